// Package roomid 產生短房間 ID
//
// 房間 ID 取隨機 UUIDv4 的第一段（8 個小寫十六進位字元）。
// 不做唯一性檢查：32 bits 的空間對同時存在的房間數量而言碰撞機率可忽略，
// 而房間本身有存活時間上限。
package roomid

import (
	"strings"

	"github.com/google/uuid"
)

// Length 房間 ID 長度
const Length = 8

// Generate 產生新的房間 ID
func Generate() string {
	id := uuid.NewString()
	return id[:strings.IndexByte(id, '-')]
}

// Valid 檢查字串是否為合法的房間 ID 格式
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
