package devserver

// SignInRequest represents the request payload for dashboard sign-in
type SignInRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

// SignInResponse represents the response payload for dashboard sign-in
type SignInResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
	Role    string `json:"role"`
	Expiry  string `json:"expiry"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
