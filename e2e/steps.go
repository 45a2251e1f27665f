package e2e

import (
	"github.com/cucumber/godog"

	"careleave/e2e/steps/common"
	"careleave/e2e/steps/leave"
	"careleave/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Register common steps (sign-in, generic requests, assertions)
	common.RegisterSteps(ctx, tc)

	// Register leave workflow steps
	leave.RegisterSteps(ctx, tc)

	// Register write budget steps
	ratelimit.RegisterSteps(ctx, tc)
}
