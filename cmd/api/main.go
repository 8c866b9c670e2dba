package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/face"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/profile"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	extractor := face.NewExtractor(cfg.FaceServiceURL, cfg.FaceSkip)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "faceattend:samples")
	}

	profiles := profile.NewRepository(db.Client)
	attRepo := attendance.NewRepository(db.Client)
	validator := attendance.NewValidator(profiles, attRepo, attRepo, extractor, q, attendance.Options{
		MatchThreshold:   cfg.MatchThreshold,
		SessionGrace:     cfg.SessionGrace,
		MaxFixAge:        cfg.MaxLocationFixAge,
		LivenessRequired: cfg.LivenessRequired,
	})

	// Kick off the model load so the first check-in does not pay for it.
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := extractor.Warmup(warmCtx); err != nil {
			log.Printf("warning: face model warmup failed: %v", err)
		}
	}()

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		faceHealthy := extractor.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "face": faceHealthy})
	})

	r.POST("/v1/auth/google", func(c *gin.Context) {
		var req struct {
			IDToken string `json:"id_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := auth.VerifyGoogleIDToken(req.IDToken, cfg.GoogleClientID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid id token"})
			return
		}

		if err := profiles.EnsureIdentity(c.Request.Context(), user.SubjectID, user.DisplayName, user.Email); err != nil {
			log.Printf("ensure identity %s failed: %v", user.SubjectID, err)
		}

		role := "student"
		if cfg.AdminEmails[strings.ToLower(user.Email)] {
			role = "admin"
		}
		tokens, err := auth.Issue(user, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          role,
		})
	})

	authGroup := r.Group("/v1", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	admin := authGroup.Group("", auth.RequireRole("admin"))

	admin.POST("/profiles", func(c *gin.Context) {
		var p profile.Profile
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := profiles.Upsert(c.Request.Context(), p); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"identity_id": p.IdentityID})
	})

	admin.GET("/profiles", func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		list, err := profiles.List(c.Request.Context(), activeOnly)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"profiles": list})
	})

	admin.GET("/profiles/:id", func(c *gin.Context) {
		p, err := profiles.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	// Enrollment capture: extract an embedding from the uploaded photo,
	// append it as a new sample and hand the average recompute to the
	// worker. The reference photo itself goes to Cloudinary when that is
	// configured.
	admin.POST("/profiles/:id/samples", func(c *gin.Context) {
		identityID := c.Param("id")
		image, err := readImageFile(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		embedding, err := extractor.Extract(c.Request.Context(), image)
		if err != nil {
			respondError(c, err)
			return
		}

		key := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := profiles.AddEmbedding(c.Request.Context(), identityID, key, embedding); err != nil {
			respondError(c, err)
			return
		}
		if err := q.Publish(c.Request.Context(), queue.Message{Type: "sample", Body: []byte(identityID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		var photoURL string
		if cdnClient != nil {
			if result, err := cdnClient.UploadBytes(image, identityID+"-"+key+".jpg"); err != nil {
				log.Printf("cloudinary upload failed: %v", err)
			} else {
				photoURL = result.SecureURL
				if err := profiles.AppendImageURL(c.Request.Context(), identityID, photoURL); err != nil {
					log.Printf("append image url failed: %v", err)
				}
			}
		}

		c.JSON(http.StatusCreated, gin.H{"sample_key": key, "dims": len(embedding), "photo_url": photoURL})
	})

	admin.PATCH("/profiles/:id/active", func(c *gin.Context) {
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := profiles.SetActive(c.Request.Context(), c.Param("id"), *req.Active); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"identity_id": c.Param("id"), "active": *req.Active})
	})

	admin.DELETE("/profiles/:id", func(c *gin.Context) {
		if err := profiles.Delete(c.Request.Context(), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Name         string    `json:"name"`
			StartTime    time.Time `json:"start_time" binding:"required"`
			EndTime      time.Time `json:"end_time" binding:"required"`
			AllowedLat   float64   `json:"allowed_lat"`
			AllowedLng   float64   `json:"allowed_lng"`
			RadiusMeters float64   `json:"radius_meters" binding:"required"`
			IsActive     *bool     `json:"is_active"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := attendance.Session{
			Name:         req.Name,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
			AllowedLat:   req.AllowedLat,
			AllowedLng:   req.AllowedLng,
			RadiusMeters: req.RadiusMeters,
			IsActive:     req.IsActive == nil || *req.IsActive,
		}
		saved, err := attRepo.InsertSession(c.Request.Context(), s)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, saved)
	})

	authGroup.GET("/sessions", func(c *gin.Context) {
		sessions, err := attRepo.ListSessions(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	authGroup.GET("/sessions/:id", func(c *gin.Context) {
		s, err := attRepo.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	})

	authGroup.POST("/attendance/check-in", func(c *gin.Context) {
		claims := mustClaims(c)
		image, err := readImageFile(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		lat, lng, fixAt, err := parseLocationForm(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := validator.CheckIn(c.Request.Context(), attendance.CheckInRequest{
			IdentityID: claims.Subject,
			ClassID:    c.PostForm("class_id"),
			Image:      image,
			Location:   attendance.Location{Lat: lat, Lng: lng},
			FixTakenAt: fixAt,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	authGroup.POST("/attendance/check-out", func(c *gin.Context) {
		claims := mustClaims(c)
		var req struct {
			ClassID    string    `json:"class_id" binding:"required"`
			Lat        float64   `json:"lat"`
			Lng        float64   `json:"lng"`
			FixTakenAt time.Time `json:"fix_taken_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.FixTakenAt.IsZero() {
			req.FixTakenAt = time.Now().UTC()
		}

		rec, err := validator.CheckOut(c.Request.Context(), claims.Subject, req.ClassID,
			attendance.Location{Lat: req.Lat, Lng: req.Lng}, req.FixTakenAt)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		claims := mustClaims(c)
		identityID := c.Query("identity_id")
		if claims.Role != "admin" {
			identityID = claims.Subject
		}
		classID := c.Query("class_id")
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := attRepo.ListRecords(c.Request.Context(), identityID, classID, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

func readImageFile(c *gin.Context) ([]byte, error) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		return nil, errors.New("file field required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("read file failed")
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func parseLocationForm(c *gin.Context) (lat, lng float64, fixAt time.Time, err error) {
	lat, err = strconv.ParseFloat(c.PostForm("lat"), 64)
	if err != nil {
		return 0, 0, time.Time{}, errors.New("lat required")
	}
	lng, err = strconv.ParseFloat(c.PostForm("lng"), 64)
	if err != nil {
		return 0, 0, time.Time{}, errors.New("lng required")
	}
	fixAt = time.Now().UTC()
	if v := c.PostForm("fix_taken_at"); v != "" {
		fixAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return 0, 0, time.Time{}, errors.New("fix_taken_at must be RFC3339")
		}
	}
	return lat, lng, fixAt, nil
}

// respondError maps core errors to retry-friendly HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, face.ErrNoFaceDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face detected", "retry": true})
	case errors.Is(err, face.ErrModelLoad):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retry": true})
	case errors.Is(err, face.ErrDimensionMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrContextRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrLocationUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "retry": true})
	case errors.Is(err, attendance.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNoOpenRecord):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, profile.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "retry": true})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
