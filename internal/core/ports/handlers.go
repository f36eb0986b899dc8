package ports

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type AdminHandler interface {
	ListRooms(c *gin.Context)
	GetRoom(c *gin.Context)
	CloseRoom(c *gin.Context)
	ListWorkers(c *gin.Context)
}

type SignalHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}
