package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/course-enrollment-api/internal/handler"
	"github.com/noah-isme/course-enrollment-api/internal/middleware"
	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/service"
	"github.com/noah-isme/course-enrollment-api/pkg/config"
	"github.com/noah-isme/course-enrollment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/course-enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/course-enrollment-api/pkg/middleware/requestid"
)

// Handlers groups the handler instances mounted by New.
type Handlers struct {
	Students    *handler.StudentHandler
	Courses     *handler.CourseHandler
	Enrollments *handler.EnrollmentHandler
	Rosters     *handler.RosterHandler
	Metrics     *handler.MetricsHandler
}

// Options carries the collaborators the middleware chain needs.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *service.MetricsService
	// Tokens is required when Config.Auth.Enabled is set.
	Tokens middleware.TokenValidator
}

// New builds the gin engine with ops endpoints at the root and the API under
// the configured prefix. It panics when auth is enabled without Tokens.
func New(h Handlers, opts Options) *gin.Engine {
	cfg := opts.Config
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(log))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if cfg.Auth.Enabled && opts.Tokens == nil {
		panic("router: auth is enabled but no token validator was provided")
	}

	api := r.Group(cfg.APIPrefix)

	// write returns the middleware applied in front of a mutating route.
	write := func(action, resource string, next gin.HandlerFunc) []gin.HandlerFunc {
		if !cfg.Auth.Enabled {
			return []gin.HandlerFunc{middleware.Audit(log, action, resource), next}
		}
		return []gin.HandlerFunc{
			middleware.JWT(opts.Tokens),
			middleware.RequireRoles(models.RoleAdmin, models.RoleRegistrar),
			middleware.Audit(log, action, resource),
			next,
		}
	}

	students := api.Group("/students")
	{
		students.GET("", h.Students.List)
		students.POST("", write("create", "student", h.Students.Create)...)
		students.GET("/:code", h.Students.Get)
		students.PUT("/:code", write("update", "student", h.Students.Update)...)
		students.DELETE("/:code", write("delete", "student", h.Students.Delete)...)

		students.GET("/:code/load", h.Enrollments.Load)
		students.GET("/:code/eligible-courses", h.Enrollments.Eligible)
		students.GET("/:code/enrollments", h.Enrollments.Overview)
		students.GET("/:code/enrollments/:courseCode", h.Enrollments.Get)
		students.POST("/:code/enrollments", write("enroll", "enrollment", h.Enrollments.Enroll)...)
		students.DELETE("/:code/enrollments/:courseCode", write("withdraw", "enrollment", h.Enrollments.Withdraw)...)
	}

	api.GET("/enrollments", h.Enrollments.List)

	courses := api.Group("/courses")
	{
		courses.GET("", h.Courses.List)
		courses.POST("", write("create", "course", h.Courses.Create)...)
		courses.GET("/:code", h.Courses.Get)
		courses.PUT("/:code", write("update", "course", h.Courses.Update)...)
		courses.DELETE("/:code", write("delete", "course", h.Courses.Delete)...)
		courses.GET("/:code/students", h.Rosters.Roster)
		courses.GET("/:code/roster/export", h.Rosters.Export)
	}

	return r
}
