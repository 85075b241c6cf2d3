package auth

import (
	"github.com/stretchr/testify/mock"

	"github.com/jfely/parley/internal/types"
)

type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) Verify(username, secret string) (types.User, error) {
	args := m.Called(username, secret)
	return args.Get(0).(types.User), args.Error(1)
}

func (m *MockCredentialStore) Create(username, secret, nickname string) (types.User, error) {
	args := m.Called(username, secret, nickname)
	return args.Get(0).(types.User), args.Error(1)
}
