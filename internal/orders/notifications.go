package orders

import (
	"fmt"
	"strings"

	"github.com/buddiz/checkout/internal/notify"
)

func receivedEmail(order *Order) notify.Email {
	return notify.Email{
		To:      order.UserID,
		Subject: fmt.Sprintf("We received your order %s", order.ID),
		Text: fmt.Sprintf("Thanks for your order!\n\n%s\nIt is waiting for approval. "+
			"Your payment is on hold and will only be charged once we confirm the order.\n", summary(order)),
	}
}

func actionRequiredEmail(operator string, order *Order) notify.Email {
	return notify.Email{
		To:      operator,
		Subject: fmt.Sprintf("Action required: order %s awaits approval", order.ID),
		Text: fmt.Sprintf("Customer: %s\nAuthorization: %s\n\n%s\nApprove or deny it from the admin dashboard.\n",
			order.UserID, order.AuthorizationID, summary(order)),
	}
}

func receiptEmail(order *Order) notify.Email {
	return notify.Email{
		To:      order.UserID,
		Subject: fmt.Sprintf("Receipt for order %s", order.ID),
		Text:    fmt.Sprintf("Your order has been approved and paid.\n\n%s\nCheers!\n", summary(order)),
	}
}

func deniedEmail(order *Order) notify.Email {
	return notify.Email{
		To:      order.UserID,
		Subject: fmt.Sprintf("Order %s was not approved", order.ID),
		Text:    "Unfortunately we could not approve your order. The payment hold has been released and you were not charged.\n",
	}
}

func summary(order *Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s\n", order.ID)
	for _, it := range order.Items {
		fmt.Fprintf(&b, "  %d x %s (%s)\n", it.Quantity, it.Name, it.UnitPrice.StringFixed(2))
	}
	fmt.Fprintf(&b, "Total: %s %s\n", order.Total.StringFixed(2), order.Currency)
	return b.String()
}
