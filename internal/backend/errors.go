package backend

import "fmt"

// AuthError is returned when the token request is rejected or fails.
type AuthError struct {
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }
func (e *AuthError) Unwrap() error { return e.Err }

// UploadError is scoped to a single file.
type UploadError struct {
	File    string
	Status  int
	Message string
	Err     error
}

func (e *UploadError) Error() string { return e.Message }
func (e *UploadError) Unwrap() error { return e.Err }

// DeleteError is scoped to a single remote source.
type DeleteError struct {
	Source  string
	Status  int
	Message string
	Err     error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s: %s", e.Source, e.Message)
}
func (e *DeleteError) Unwrap() error { return e.Err }

type ListError struct {
	Status  int
	Message string
}

func (e *ListError) Error() string { return e.Message }
