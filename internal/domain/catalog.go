package domain

// Product is reference data owned by the catalog; the engine only reads it.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	ImageURL    string `json:"image_url,omitempty"`
	LandingURL  string `json:"landing_url,omitempty"`
}

// Contact is a message recipient.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	KakaoID string `json:"kakao_id,omitempty"`
}
