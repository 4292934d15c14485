package billing

import (
	"fmt"
	"time"

	"github.com/PortNumber53/family-membership/internal/models"
)

const dateLayout = "January 2, 2006"

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func childrenLabel(n int) string {
	if n == 1 {
		return "1 child"
	}
	return fmt.Sprintf("%d children", n)
}

func cycleLabel(c models.BillingCycle) string {
	if c == models.BillingYearly {
		return "yearly"
	}
	return "monthly"
}

func changeMessage(plan ChangePlan, scheduledFor time.Time) string {
	switch plan.Kind {
	case ChangeImmediateUpgrade:
		return fmt.Sprintf("Your membership will cover %s starting today. The prorated difference is charged now.",
			childrenLabel(plan.RequestedSeats))
	case ChangeDeferredDowngrade:
		return fmt.Sprintf("Your membership will change to %s on %s. Choose which children keep access; you keep all current seats until then.",
			childrenLabel(plan.RequestedSeats), formatDate(scheduledFor))
	case ChangeDeferredCycleChange:
		msg := fmt.Sprintf("Your billing will switch to %s for %s on %s.",
			cycleLabel(plan.TargetCycle), childrenLabel(plan.RequestedSeats), formatDate(scheduledFor))
		if plan.CycleChangeOverridesDowngrade {
			msg += " The seat reduction is applied together with the billing cycle change."
		}
		return msg
	}
	return ""
}
