package server

func (s *Server) initRoutes() {
	if s.redirectPath != "" {
		s.RegisterRouteHandler("GET "+s.redirectPath, ChainMiddleware(s.CallbackHandler(), s.Middleware()...))
	}
	s.RegisterRouteHandler("GET "+RouteAuthCancel, ChainMiddleware(s.CancelHandler(), s.Middleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthDeliver, ChainMiddleware(s.DeliverHandler(), s.Middleware(s.SameOriginMiddleware)...))
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
}
