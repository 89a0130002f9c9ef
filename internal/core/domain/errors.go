package domain

import "errors"

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrUserExists       = errors.New("username already exists")
	ErrUserNotFound     = errors.New("user not found")
)
