package auth

import (
	"github.com/mbaxter/chat-broker/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) Verify(tokenString string) (types.UserIdentity, error) {
	args := m.Called(tokenString)
	return args.Get(0).(types.UserIdentity), args.Error(1)
}
