package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type payment struct {
	PaymentID string  `json:"paymentId" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Currency  string  `json:"currency" validate:"required,len=3"`
}

func TestValidateUsesJSONNames(t *testing.T) {
	v := New()

	err := v.Validate(payment{Amount: 10, Currency: "KZT"})
	assert.EqualError(t, err, "paymentId is required")

	err = v.Validate(payment{PaymentID: "p-1", Amount: 0, Currency: "EURO"})
	assert.ErrorContains(t, err, "amount must be at least 0")
	assert.ErrorContains(t, err, "currency must have length 3")
}

func TestValidatePasses(t *testing.T) {
	assert.NoError(t, New().Validate(payment{PaymentID: "p-1", Amount: 1200, Currency: "KZT"}))
}
