package websocket

import (
	"github.com/novahq/nova/internal/common/logger"
	userstore "github.com/novahq/nova/internal/user/store"
)

// Provide creates the unified WebSocket gateway.
func Provide(users userstore.Repository, log *logger.Logger) (*Gateway, error) {
	gateway := NewGateway(users, log)
	return gateway, nil
}
