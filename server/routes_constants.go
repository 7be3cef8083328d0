package server

// Route path constants. The redirect route itself comes from the configured
// redirect URL.
const (
	RouteAuthCancel  = "/auth/cancel"
	RouteAuthDeliver = "/auth/deliver"
	RouteHealth      = "/healthz"
)
