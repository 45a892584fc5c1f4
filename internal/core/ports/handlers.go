package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	StartStream(c *gin.Context)
	StopStream(c *gin.Context)
	GetStream(c *gin.Context)
	GetPlayback(c *gin.Context)
	ListStreams(c *gin.Context)
	Publish(c *gin.Context)
}
