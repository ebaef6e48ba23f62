package validation

import (
	"testing"
)

func TestAuthRequestValidator_ValidateRegisterRequest(t *testing.T) {
	validator := NewAuthRequestValidator()

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  bool
		errMsg   string
	}{
		{
			name:     "valid request",
			email:    "user@example.com",
			password: "secret123",
			wantErr:  false,
		},
		{
			name:     "email is normalized",
			email:    "  User@Example.COM ",
			password: "secret123",
			wantErr:  false,
		},
		{
			name:     "empty email",
			email:    "",
			password: "secret123",
			wantErr:  true,
			errMsg:   "email cannot be empty",
		},
		{
			name:     "invalid email",
			email:    "not-an-email",
			password: "secret123",
			wantErr:  true,
			errMsg:   "invalid email format",
		},
		{
			name:     "short password",
			email:    "user@example.com",
			password: "12345",
			wantErr:  true,
			errMsg:   "password must be at least 6 characters long",
		},
		{
			name:     "empty password",
			email:    "user@example.com",
			password: "",
			wantErr:  true,
			errMsg:   "password cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &RegisterRequest{Email: tt.email, Password: tt.password}
			err := validator.ValidateRegisterRequest(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRegisterRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err != nil && tt.errMsg != "" {
				if err.Error() != tt.errMsg {
					t.Errorf("ValidateRegisterRequest() error message = %v, want %v", err.Error(), tt.errMsg)
				}
			}
			if !tt.wantErr && req.Email != "user@example.com" {
				t.Errorf("expected normalized email, got %q", req.Email)
			}
		})
	}
}

func TestAuthRequestValidator_ValidateLoginRequest(t *testing.T) {
	validator := NewAuthRequestValidator()

	if err := validator.ValidateLoginRequest(&LoginRequest{Email: "a@b.co", Password: "x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validator.ValidateLoginRequest(&LoginRequest{Email: "a@b.co"}); err == nil {
		t.Error("expected error for missing password")
	}
	if err := validator.ValidateLoginRequest(&LoginRequest{Password: "x"}); err == nil {
		t.Error("expected error for missing email")
	}
}
