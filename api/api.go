package api

import (
	"net/http"

	"github.com/leadline-hq/leadline/config"

	"github.com/leadline-hq/leadline/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/leadline-hq/leadline"
)

type Api struct {
	engine     *leadline.Leadline
	supervisor *leadline.Supervisor
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/campaigns/:id/start-workflow", a.StartWorkflow)
	router.GET("/campaigns/:id/active-job", a.GetActiveJob)

	router.GET("/jobs/:id/status", a.GetJobStatus)
	router.GET("/jobs/:id/stream", a.StreamJob)
	router.POST("/jobs/:id/pause", a.PauseJob)
	router.POST("/jobs/:id/resume", a.ResumeJob)
	router.POST("/jobs/:id/cancel", a.CancelJob)

	return a.router
}

func NewAPI(engine *leadline.Leadline, supervisor *leadline.Supervisor) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{engine: engine, supervisor: supervisor, router: r}
}
