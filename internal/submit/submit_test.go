package submit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectSuccess(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		content string
		want    Detection
	}{
		{"thank you url", "https://s.example/Thank-You", "", DetectedURL},
		{"merci url", "https://s.example/merci", "", DetectedURL},
		{"url wins over content", "https://s.example/success", "confirmation", DetectedURL},
		{"english content", "https://s.example/p", "Thank you for your order", DetectedContent},
		{"arabic content", "https://s.example/p", "شكرا", DetectedContent},
		{"confirmation content", "https://s.example/p", "ORDER CONFIRMATION", DetectedContent},
		{"nothing", "https://s.example/p", "<form></form>", DetectedNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectSuccess(tt.url, tt.content))
		})
	}
}

func TestChannelsInHTML(t *testing.T) {
	page := `<script src="https://connect.facebook.net/en_US/fbevents.js"></script>
<script async src="https://www.googletagmanager.com/gtag/js?id=G-1"></script>`

	assert.Equal(t, []string{"facebook", "google"}, ChannelsInHTML(page))
	assert.Empty(t, ChannelsInHTML("<p>plain</p>"))
}
