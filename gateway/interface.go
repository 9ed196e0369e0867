package gateway

import "net/http"

// HTTPHandler is implemented by transports served from the shared HTTP
// listener. The runtime mounts each one on its mux.
type HTTPHandler interface {
	RegisterHTTPHandlers(mux *http.ServeMux)
}
