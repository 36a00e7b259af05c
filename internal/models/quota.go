package models

// QuotaRecord tracks how many chat turns a user sent on a calendar day.
type QuotaRecord struct {
	UserID  string `json:"-"`
	Count   int    `json:"count"`
	Date    string `json:"date"`
	Premium bool   `json:"premium,omitempty"`
}
