package main

// commands builds the router with every command the server answers. This is
// the single place to look for the supported command surface.
func (app *application) commands() *Router {
	router := NewRouter()

	// Generic
	router.Handle("PING", app.handlePing)
	router.Handle("DEL", app.handleDel)
	router.Handle("EXISTS", app.handleExists)
	router.Handle("MEMORY", app.handleMemory)

	// Cardinality sketches
	router.Handle("CARD.CREATE", app.handleCardCreate)
	router.Handle("CARD.ADD", app.handleCardAdd)
	router.Handle("CARD.COUNT", app.handleCardCount)
	router.Handle("CARD.INFO", app.handleCardInfo)

	// Expiration
	router.Handle("EXPIRE", app.handleExpire)
	router.Handle("EXPIRENX", app.handleExpireNX)
	router.Handle("EXPIREXX", app.handleExpireXX)
	router.Handle("EXPIREAT", app.handleExpireAt)
	router.Handle("EXPIREATNX", app.handleExpireAtNX)
	router.Handle("EXPIREATXX", app.handleExpireAtXX)
	router.Handle("TTL", app.handleTTL)
	router.Handle("PERSIST", app.handlePersist)

	// Persistence control
	router.Handle("COMPACT", app.handleCompact)

	// Metrics
	router.Handle("INFO", app.handleInfo)

	return router
}
