package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the channel and message endpoints behind auth.
func RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc, channels *ChannelHandler, messages *MessageHandler) {
	router.POST("/channels", auth, channels.CreateChannel)
	router.GET("/channels", auth, channels.ListChannels)
	router.GET("/channels/:channel_id", auth, channels.GetChannel)
	router.POST("/channels/:channel_id/members", auth, channels.AddMember)
	router.POST("/channels/:channel_id/read", auth, channels.MarkRead)
	router.GET("/channels/:channel_id/messages", auth, messages.ListMessages)
	router.POST("/channels/:channel_id/messages", auth, messages.PostMessage)

	router.PATCH("/messages/:message_id", auth, messages.EditMessage)
	router.DELETE("/messages/:message_id", auth, messages.DeleteMessage)
	router.POST("/messages/:message_id/reactions", auth, messages.React)

	router.GET("/search", auth, messages.Search)
}
