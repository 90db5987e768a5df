package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(app App) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)
	mux.Use(SessionMiddleware(app))
	mux.Use(RateLimitWrites(app))

	// Locally stored thumbnails
	uploadDir := app.Config().UploadDir
	mux.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir))))

	mux.Get("/post/{pid}", MakeHandler(app, HandlePostRedirect))

	mux.Route("/api", func(r chi.Router) {
		r.Get("/me", MakeHandler(app, HandleMe))
		r.Get("/categories", MakeHandler(app, HandleCategories))
		r.Get("/category/{cid}", MakeHandler(app, HandleCategory))
		r.Get("/category/{cid}/counts", MakeHandler(app, HandleCategoryCounts))
		r.Get("/topic/{tid}", MakeHandler(app, HandleTopic))
		r.Get("/recent", MakeHandler(app, HandleRecent))
		r.Get("/search", MakeHandler(app, HandleSearch))

		r.Post("/register", MakeHandler(app, HandleRegister))
		r.Post("/login", MakeHandler(app, HandleLogin))
		r.Post("/logout", MakeHandler(app, HandleLogout))

		// Guests may post with a handle.
		r.Post("/topics", MakeHandler(app, HandleCreateTopic))
		r.Post("/topic/{tid}/reply", MakeHandler(app, HandleReply))

		r.Group(func(r chi.Router) {
			r.Use(RequireLogin(app))
			r.Post("/topic/{tid}/thumb", MakeHandler(app, HandleThumbUpload))
			r.Post("/topic/{tid}/follow", MakeHandler(app, HandleFollow))
			r.Post("/topic/{tid}/bookmark", MakeHandler(app, HandleBookmark))
			r.Post("/topic/{tid}/read", MakeHandler(app, HandleMarkRead))
		})
	})

	// Moderation handlers
	mux.Route("/mod", func(r chi.Router) {
		r.Use(RequireAdmin(app))
		r.Get("/log", MakeHandler(app, HandleModLog))
		r.Post("/backup-db", MakeHandler(app, HandleDatabaseBackup))
		r.Post("/moderators", MakeHandler(app, HandleAddModerator))
		r.Post("/category/{cid}", MakeHandler(app, HandleUpdateCategory))
		r.Post("/topic/{tid}/private", MakeHandler(app, HandleSetTopicPrivate))
		r.Post("/topic/{tid}/lock", MakeHandler(app, HandleToggleLock))
		r.Post("/topic/{tid}/delete", MakeHandler(app, HandleModDelete))
		r.Post("/topic/{tid}/event", MakeHandler(app, HandleAddEvent))
	})

	return mux
}
