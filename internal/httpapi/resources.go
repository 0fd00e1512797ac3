package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/cache"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/upstream"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/roomid"
)

// 快取 key
const (
	turnCacheKey    = "turn:ice-servers"
	quizmapCacheKey = "quizmaps"
)

// StatusRoomFull 房間已滿時的狀態碼（與既有客戶端相容）
const StatusRoomFull = http.StatusTeapot

// listingMimeTypes 上架檔案允許的內容類型（以檔頭判斷）
var listingMimeTypes = []string{
	"application/zip",
	"application/json",
	"application/octet-stream",
}

// getRoom 查詢房間成員；不改變任何狀態
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if !roomid.Valid(roomID) {
		h.errorResponse(w, r, apperrors.ErrMalformed.WithDetails("invalid room id"))
		return
	}

	room, err := h.deps.Store.Lookup(r.Context(), roomID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if room.Full() {
		h.jsonResponse(w, r, StatusRoomFull, "Room is full", nil)
		return
	}

	h.success(w, r, map[string]any{"players": room.Members})
}

// getTurn TURN ICE 伺服器清單
//
// 快取時間為憑證有效期減去 TurnCacheMargin，確保客戶端拿到的憑證仍然有效。
func (h *Handler) getTurn(w http.ResponseWriter, r *http.Request) {
	servers, err := cache.GetJSON(r.Context(), h.deps.Cache, turnCacheKey, h.loadIceServers)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.success(w, r, map[string]any{"turnIceServerList": servers})
}

func (h *Handler) loadIceServers(ctx context.Context) ([]upstream.IceServer, time.Duration, error) {
	cred, err := h.deps.Turn.GenerateCredential(ctx)
	if err != nil {
		return nil, 0, err
	}
	servers, err := h.deps.Turn.IceServers(ctx, cred.APIKey)
	if err != nil {
		return nil, 0, err
	}

	ttl := time.Duration(cred.ExpiryInSeconds)*time.Second - h.opts.TurnCacheMargin
	if ttl <= 0 {
		ttl = -1
	}
	return servers, ttl, nil
}

// getQuizmaps 題庫地圖清單，快取到手動失效
func (h *Handler) getQuizmaps(w http.ResponseWriter, r *http.Request) {
	maps, err := cache.GetJSON(r.Context(), h.deps.Cache, quizmapCacheKey,
		func(ctx context.Context) ([]upstream.Quizmap, time.Duration, error) {
			maps, err := h.deps.Quizmaps.List(ctx)
			return maps, h.opts.QuizmapCacheTTL, err
		})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.success(w, r, map[string]any{"quizmaps": maps})
}

// invalidateQuizmaps 清除題庫地圖快取
func (h *Handler) invalidateQuizmaps(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Cache.Invalidate(r.Context(), quizmapCacheKey); err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeUpstream, "cache invalidation failed"))
		return
	}
	h.success(w, r, nil)
}

// requestListing 接收上架申請並轉送審核
//
// 表單欄位：file（.iger 檔，必填）、name（顯示名稱，預設為檔名）。
func (h *Handler) requestListing(w http.ResponseWriter, r *http.Request) {
	// multipart 的邊界與欄位另外保留 1 MiB
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jsonResponse(w, r, http.StatusRequestEntityTooLarge, "File Too Large", nil)
			return
		}
		h.errorResponse(w, r, apperrors.ErrMalformed.WithDetails("invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.errorResponse(w, r, apperrors.ErrMalformed.WithDetails("missing file"))
		return
	}
	defer file.Close()

	if filepath.Ext(header.Filename) != upstream.ListingFileExt {
		h.jsonResponse(w, r, http.StatusBadRequest, "Invalid File Extension", nil)
		return
	}
	if header.Size > h.opts.MaxUploadBytes {
		h.jsonResponse(w, r, http.StatusRequestEntityTooLarge, "File Too Large", nil)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.errorResponse(w, r, apperrors.ErrMalformed.WithDetails("unreadable file"))
		return
	}
	if detected := mimetype.Detect(data); !allowedListingType(detected) {
		h.logger.InfoContext(r.Context(), "listing rejected by content type", "mime", detected.String())
		h.jsonResponse(w, r, http.StatusBadRequest, "Invalid File Extension", nil)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = strings.TrimSuffix(header.Filename, upstream.ListingFileExt)
	}
	if err := h.deps.Moderation.RequestListing(r.Context(), name, data); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.success(w, r, nil)
}

func allowedListingType(m *mimetype.MIME) bool {
	for _, allowed := range listingMimeTypes {
		if m.Is(allowed) {
			return true
		}
	}
	return false
}
