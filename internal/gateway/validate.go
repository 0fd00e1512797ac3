package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/Kinggodhoon/i-hear-you-backend/pkg/roomid"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// newValidator 建立帶有自訂規則的 validator
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomid.Valid(fl.Field().String())
	})
	// 錯誤訊息使用 JSON 欄位名稱
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode 解析並驗證事件內容；沒有內容時視為空物件
func (g *Gateway) decode(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeMalformed, "malformed payload")
	}
	if err := g.validate.Struct(v); err != nil {
		return malformed(err)
	}
	return nil
}

// malformed 把 validator 錯誤轉成可讀的 MALFORMED
func malformed(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(err, apperrors.ErrCodeMalformed, "malformed payload")
	}
	details := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	})
	return apperrors.ErrMalformed.WithDetails(strings.Join(details, "; "))
}
