package handlers

import (
	"challenge-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(app *fiber.App, challengeService *services.ChallengeService) {
	app.Post("/challenges", challengeService.CreateChallenge)
	app.Get("/challenges", challengeService.ListChallenges)
	app.Get("/challenges/:id", challengeService.GetChallenge)
	app.Get("/challenges/:id/transitions", challengeService.GetChallengeTransitions)

	// Lifecycle actions
	app.Post("/challenges/:id/accept", challengeService.AcceptChallenge)
	app.Post("/challenges/:id/reject", challengeService.RejectChallenge)
	app.Post("/challenges/:id/cancel", challengeService.CancelChallenge)
	app.Post("/challenges/:id/score", challengeService.ReportChallengeScore)
	app.Post("/challenges/:id/confirm", challengeService.ConfirmChallenge)
	app.Post("/challenges/:id/dispute", challengeService.DisputeChallenge)
	app.Post("/challenges/:id/mutual-cancel", challengeService.MutualCancelChallenge)

	// Moderator surface
	app.Post("/challenges/:id/resolve", challengeService.ResolveChallengeDispute)
}
