package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// Global billing controller instance
var billingController *BillingController

// InitializeBillingController installs the controller the route adapters use.
func InitializeBillingController(bc *BillingController) {
	billingController = bc
}

// GetBillingController returns the global billing controller instance
func GetBillingController() *BillingController {
	if billingController == nil {
		panic("billing controller used before InitializeBillingController")
	}
	return billingController
}

// Adapter functions for the router

func HandleBillingWebhook(c *fiber.Ctx) error {
	return GetBillingController().HandleWebhook(c)
}

func HandleDemoCheckout(c *fiber.Ctx) error {
	return GetBillingController().HandleDemoCheckout(c)
}

func HandleDemoCheckoutConfirm(c *fiber.Ctx) error {
	return GetBillingController().HandleDemoCheckoutConfirm(c)
}

func HandleCheckoutSuccess(c *fiber.Ctx) error {
	return GetBillingController().HandleCheckoutSuccess(c)
}

func HandleCheckoutCancel(c *fiber.Ctx) error {
	return GetBillingController().HandleCheckoutCancel(c)
}

func HandleHealth(c *fiber.Ctx) error {
	return GetBillingController().HandleHealth(c)
}

func HandleListPlans(c *fiber.Ctx) error {
	return GetBillingController().HandleListPlans(c)
}

func HandleCreatePlan(c *fiber.Ctx) error {
	return GetBillingController().HandleCreatePlan(c)
}

func HandleGetPlan(c *fiber.Ctx) error {
	return GetBillingController().HandleGetPlan(c)
}

func HandleUpdatePlan(c *fiber.Ctx) error {
	return GetBillingController().HandleUpdatePlan(c)
}

func HandleSyncPlan(c *fiber.Ctx) error {
	return GetBillingController().HandleSyncPlan(c)
}

func HandleCreateContact(c *fiber.Ctx) error {
	return GetBillingController().HandleCreateContact(c)
}

func HandleContactEntitlements(c *fiber.Ctx) error {
	return GetBillingController().HandleContactEntitlements(c)
}

func HandleTenantStats(c *fiber.Ctx) error {
	return GetBillingController().HandleTenantStats(c)
}

func HandleCreateCheckout(c *fiber.Ctx) error {
	return GetBillingController().HandleCreateCheckout(c)
}

func HandleListSubscriptions(c *fiber.Ctx) error {
	return GetBillingController().HandleListSubscriptions(c)
}

func HandleGetSubscription(c *fiber.Ctx) error {
	return GetBillingController().HandleGetSubscription(c)
}

func HandleCancelSubscription(c *fiber.Ctx) error {
	return GetBillingController().HandleCancelSubscription(c)
}

func HandleListPendingEvents(c *fiber.Ctx) error {
	return GetBillingController().HandleListPendingEvents(c)
}

func HandleReprocessEvents(c *fiber.Ctx) error {
	return GetBillingController().HandleReprocessEvents(c)
}

func HandleUpdateSettings(c *fiber.Ctx) error {
	return GetBillingController().HandleUpdateSettings(c)
}
