package user

import (
	"errors"
	"testing"
	"time"
)

func TestCreateUserDefaults(t *testing.T) {
	input := CreateUserInput{Email: "alice@example.com"}
	_, err := CreateUser(input, nil, nil)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	created, err := CreateUser(input, nil, func() (string, error) { return "user-1", nil })
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID != "user-1" {
		t.Fatalf("expected id user-1, got %q", created.ID)
	}

	_, err = CreateUser(input, nil, func() (string, error) { return "", errors.New("id generator error") })
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateUserNormalizesInput(t *testing.T) {
	fixedTime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	input := CreateUserInput{Email: "  Alice@Example.COM  ", Name: "  Alice  "}

	created, err := CreateUser(input, func() time.Time { return fixedTime }, func() (string, error) {
		return "user-123", nil
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if created.ID != "user-123" {
		t.Fatalf("expected id user-123, got %q", created.ID)
	}
	if created.Email != "alice@example.com" {
		t.Fatalf("expected lowercased trimmed email, got %q", created.Email)
	}
	if created.Name != "Alice" {
		t.Fatalf("expected trimmed name, got %q", created.Name)
	}
	if !created.CreatedAt.Equal(fixedTime) || !created.UpdatedAt.Equal(fixedTime) {
		t.Fatalf("expected timestamps to match fixed time")
	}
}

func TestNormalizeCreateUserInputValidation(t *testing.T) {
	_, err := NormalizeCreateUserInput(CreateUserInput{Email: "   "})
	if !errors.Is(err, ErrEmptyEmail) {
		t.Fatalf("expected empty email error, got %v", err)
	}

	_, err = NormalizeCreateUserInput(CreateUserInput{Email: "not-an-email"})
	if !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected invalid email error, got %v", err)
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"a@x.com", "first.last@sub.example.org", "x+tag@example.io"}
	for _, email := range valid {
		if err := ValidateEmail(email); err != nil {
			t.Fatalf("expected %q valid, got %v", email, err)
		}
	}

	invalid := []string{"", "plain", "no@tld", "two@@example.com", "spa ce@example.com"}
	for _, email := range invalid {
		if err := ValidateEmail(email); err == nil {
			t.Fatalf("expected %q invalid", email)
		}
	}
}
