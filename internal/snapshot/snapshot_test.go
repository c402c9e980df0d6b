package snapshot

import (
	"errors"
	"testing"
)

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		key     Key
		wantErr bool
	}{
		{Key{Domain: "program", EntityID: "42"}, false},
		{Key{Domain: "", EntityID: "42"}, true},
		{Key{Domain: "program", EntityID: ""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			err := tt.key.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("error %v should wrap ErrInvalidKey", err)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Key: Key{Domain: "plan", EntityID: "7"}, Number: 3}
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}
	if got, want := err.Error(), "snapshot plan/7#3 not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
