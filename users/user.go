package users

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// User is the persisted user record. ID is assigned by the
// Store on create and never changes.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateRequest carries the client-supplied fields of a user.
// It is also the body of an update; clients never choose an id.
type CreateRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// storedUser mirrors User with pointer fields, so decoding can
// tell a missing field from an empty one.
type storedUser struct {
	ID    *string `json:"id"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// EncodeUser serializes u into its stored representation.
func EncodeUser(u User) ([]byte, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "encode user")
	}
	return b, nil
}

// DecodeUser parses bytes produced by EncodeUser. All three
// fields must be present, and the id must not be empty.
func DecodeUser(b []byte) (User, error) {
	var s storedUser
	if err := json.Unmarshal(b, &s); err != nil {
		return User{}, errors.Wrap(err, "decode user")
	}
	switch {
	case s.ID == nil || *s.ID == "":
		return User{}, errors.New("decode user: missing id")
	case s.Name == nil:
		return User{}, errors.New("decode user: missing name")
	case s.Email == nil:
		return User{}, errors.New("decode user: missing email")
	}
	return User{
		ID:    *s.ID,
		Name:  *s.Name,
		Email: *s.Email,
	}, nil
}
