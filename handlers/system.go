package handlers

import (
	"challenge-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupSystemRoutes wires the ledger/balance introspection endpoints and the
// event stream the external notifier subscribes to.
func SetupSystemRoutes(app *fiber.App, ledger *services.CommitmentLedger, oracle *services.BalanceOracle, events *services.EventBus) {
	app.Get("/accounts/:account/reserved", ledger.GetReserved)
	app.Get("/accounts/:account/commitments", ledger.GetCommitments)
	app.Get("/accounts/:account/balance", oracle.GetBalance)

	app.Get("/events/stream", events.StreamEvents)
}
