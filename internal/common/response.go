package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Fail writes the error envelope shared by every endpoint.
// code: 1xxxx client input, 2xxxx backend failure, 4xxxx auth/routing, 5xxxx panic.
func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"success": false,
		"code":    code,
		"error":   msg,
	})
}
