package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/theblitlabs/parity-fl/internal/api/handlers"
)

func registerUpdateRoutes(router *gin.RouterGroup, updateHandler *handlers.UpdateHandler) {
	router.POST("/updates", updateHandler.SubmitUpdate)
	router.GET("/model", updateHandler.GetModel)
	router.GET("/status", updateHandler.GetStatus)
}

func RegisterRoutes(api *gin.RouterGroup, updateHandler *handlers.UpdateHandler, metrics http.Handler) {
	registerUpdateRoutes(api, updateHandler)
	if metrics != nil {
		api.GET("/metrics", gin.WrapH(metrics))
	}
}
