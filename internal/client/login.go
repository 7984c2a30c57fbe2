package client

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// LoginStep tracks progress through the phone login flow.
type LoginStep int

const (
	StepPhone LoginStep = iota // waiting for a phone number
	StepCode                   // code requested, waiting for it
	StepDone                   // logged in
)

// ErrPhoneTooShort is returned when the phone has fewer than ten digits.
var ErrPhoneTooShort = errors.New("phone number must have at least 10 digits")

// Login drives the two-step phone login. A failed code submission keeps
// the flow at StepCode so the user can retry without re-entering the phone.
type Login struct {
	step    LoginStep
	phone   string
	account *Account
}

func NewLogin() *Login {
	return &Login{step: StepPhone}
}

// Step reports the current position in the flow.
func (l *Login) Step() LoginStep {
	return l.step
}

// Phone returns the number the code was requested for.
func (l *Login) Phone() string {
	return l.phone
}

// Account returns the logged-in account, or nil before StepDone.
func (l *Login) Account() *Account {
	return l.account
}

// SubmitPhone validates the number and requests a login code. The flow
// only advances to the code step when the number has at least ten digits
// and the backend accepted the request.
func (l *Login) SubmitPhone(ctx context.Context, gw *Gateway, raw string) error {
	if l.step == StepDone {
		return errors.New("already logged in")
	}
	phone := strings.TrimSpace(raw)
	if countDigits(phone) < 10 {
		return ErrPhoneTooShort
	}
	if err := gw.RequestCode(ctx, phone); err != nil {
		return err
	}
	l.phone = phone
	l.step = StepCode
	return nil
}

// SubmitCode verifies the one-time code. On success the account token is
// captured in the gateway; on failure the flow stays at StepCode.
func (l *Login) SubmitCode(ctx context.Context, gw *Gateway, code string) error {
	if l.step != StepCode {
		return errors.New("request a code first")
	}
	account, err := gw.VerifyCode(ctx, l.phone, strings.TrimSpace(code))
	if err != nil {
		return err
	}
	l.account = account
	l.step = StepDone
	return nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
