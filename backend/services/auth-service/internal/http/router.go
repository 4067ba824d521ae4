package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	Login              http.HandlerFunc
	Logout             http.HandlerFunc
	Signup             http.HandlerFunc
	VehicleCredentials http.HandlerFunc
	Health             http.HandlerFunc
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Login != nil {
		mux.Handle("/auth/login", method(http.MethodPost, routes.Login))
	}
	if routes.Logout != nil {
		mux.Handle("/auth/logout", method(http.MethodPost, routes.Logout))
	}
	if routes.Signup != nil {
		mux.Handle("/auth/signup", method(http.MethodPost, routes.Signup))
	}
	if routes.VehicleCredentials != nil {
		// POST issues, DELETE revokes; the handler dispatches on method.
		mux.Handle("/admin/vehicle-credentials", routes.VehicleCredentials)
	}
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	return mux
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
