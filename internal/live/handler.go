package live

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades to a websocket and streams messages for the "url" query
// parameter, or for every URL when it is absent.
func Handler(h *Hub, logger zerolog.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	logger = logger.With().Str("component", "live_handler").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}

		client := NewClient(conn, logger)
		h.Register(url, client)
		logger.Debug().Str("url", url).Str("remote", r.RemoteAddr).Msg("Live subscriber connected")

		go func() {
			defer func() {
				h.Unregister(url, client)
				client.Close()
			}()
			// Subscribers only listen; reading detects the close.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}
