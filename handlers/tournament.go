package handlers

import (
	"challenge-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTournamentRoutes(app *fiber.App, bracketService *services.BracketService) {
	app.Post("/tournaments", bracketService.CreateTournament)
	app.Get("/tournaments", bracketService.ListTournaments)
	app.Get("/tournaments/:id", bracketService.GetTournament)

	app.Post("/tournaments/:id/register", bracketService.RegisterParticipant)
	app.Post("/tournaments/:id/withdraw", bracketService.WithdrawParticipant)
	app.Post("/tournaments/:id/start", bracketService.StartTournament)
	app.Post("/tournaments/:id/cancel", bracketService.CancelTournament)

	app.Post("/matches/:id/result", bracketService.ReportMatch)
}
