package models

// WebhookPurchaseApproved is the only payment event forwarded as a conversion.
const WebhookPurchaseApproved = "PURCHASE_APPROVED"

// Webhook is the payment platform's notification body.
type Webhook struct {
	ID           string      `json:"id"`
	Event        string      `json:"event"`
	CreationDate int64       `json:"creation_date,omitempty"`
	Data         WebhookData `json:"data"`
}

type WebhookData struct {
	Product         WebhookProduct  `json:"product"`
	Buyer           WebhookBuyer    `json:"buyer"`
	Purchase        WebhookPurchase `json:"purchase"`
	CheckoutCountry *WebhookCountry `json:"checkout_country,omitempty"`
}

type WebhookProduct struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type WebhookBuyer struct {
	Email         string          `json:"email"`
	Name          string          `json:"name"`
	FirstName     string          `json:"first_name,omitempty"`
	LastName      string          `json:"last_name,omitempty"`
	CheckoutPhone string          `json:"checkout_phone,omitempty"`
	Address       *WebhookAddress `json:"address,omitempty"`
}

type WebhookAddress struct {
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	CountryISO string `json:"country_iso,omitempty"`
	Zipcode    string `json:"zipcode,omitempty"`
}

type WebhookPurchase struct {
	Transaction  string       `json:"transaction"`
	OrderDate    int64        `json:"order_date,omitempty"`
	ApprovedDate int64        `json:"approved_date,omitempty"`
	Status       string       `json:"status,omitempty"`
	Price        WebhookPrice `json:"price"`
}

type WebhookPrice struct {
	Value         float64 `json:"value"`
	CurrencyValue string  `json:"currency_value"`
}

type WebhookCountry struct {
	Name string `json:"name,omitempty"`
	ISO  string `json:"iso,omitempty"`
}
