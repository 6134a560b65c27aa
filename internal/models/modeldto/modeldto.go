// Package modeldto provides types exchanged with API clients.
package modeldto

type (
	Credentials struct {
		Login    string `json:"username" validate:"required,min=3,max=64"`
		Password string `json:"password" validate:"required,min=6,max=128"`
	}
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	Quota struct {
		Allowed int `json:"allowed"`
		Used    int `json:"used"`
	}
	AuthResponse struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	MeResponse struct {
		User  User  `json:"user"`
		Quota Quota `json:"quota"`
	}
	NewOrder struct {
		ServiceID string `json:"service_id" validate:"required,max=32"`
		CountryID string `json:"country_id" validate:"required,max=32"`
	}
	NewDirectOrder struct {
		Token     string `json:"token" validate:"required"`
		ServiceID string `json:"service_id" validate:"omitempty,max=32"`
		CountryID string `json:"country_id" validate:"omitempty,max=32"`
	}
	DirectCancel struct {
		Token   string `json:"token" validate:"required"`
		OrderID string `json:"order_id" validate:"required"`
	}
	// Order carries the provider order id under both keys the clients read.
	Order struct {
		OrderID         string  `json:"order_id"`
		ProviderOrderID string  `json:"order_id_provider"`
		PhoneNumber     string  `json:"phone_number"`
		ServiceID       string  `json:"service_id"`
		CountryID       string  `json:"country_id"`
		Status          string  `json:"status"`
		SMSCode         *string `json:"sms_code"`
		Timestamp       string  `json:"timestamp"`
	}
	Error struct {
		Message string `json:"message"`
	}
)
