package directory_test

import (
	"net/http"
	"strconv"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/directory"
)

func httpHandler(hub *directory.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	return mux
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
