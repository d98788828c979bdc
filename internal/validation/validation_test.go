package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestIsValidUUID(t *testing.T) {
	if !IsValidUUID(uuid.New().String()) {
		t.Error("generated UUID should be valid")
	}
	for _, s := range []string{"", "not-a-uuid", "12345", "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"} {
		if IsValidUUID(s) {
			t.Errorf("IsValidUUID(%q) = true, want false", s)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"with\x00null", 100, "withnull"},
		{"toolongvalue", 4, "tool"},
		{"", 10, ""},
	}
	for _, tt := range tests {
		if got := SanitizeString(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"10.00", true},
		{"0.01", true},
		{"12345.67", true},
		{"100", true},
		{"", true}, // emptiness is Required's concern
		{"0", false},
		{"-5.00", false},
		{"ten", false},
		{"10.001", false},
	}
	for _, tt := range tests {
		err := ValidAmount("amount", tt.value)()
		if tt.ok && err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", tt.value, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidAmount(%q) = nil, want error", tt.value)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidUUID("orderId", "bogus"),
		ValidAmount("amount", "-1"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}

	if errs := Validate(
		Required("userId", uuid.New().String()),
		ValidAmount("amount", "10.00"),
	); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("reason", strings.Repeat("a", MaxReasonLength), MaxReasonLength)(); err != nil {
		t.Errorf("at-limit value should pass, got %v", err)
	}
	if err := MaxLength("reason", strings.Repeat("a", MaxReasonLength+1), MaxReasonLength)(); err == nil {
		t.Error("over-limit value should fail")
	}
}

func TestUserParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/wallet/:userId/balance", UserParamMiddleware(), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/wallet/"+uuid.New().String()+"/balance", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid UUID param: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/wallet/not-a-uuid/balance", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid UUID param: expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestSizeMiddleware(64))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body_too_large"})
			return
		}
		c.JSON(http.StatusOK, body)
	})

	small := `{"a":"b"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/echo", strings.NewReader(small))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("small body: expected 200, got %d", w.Code)
	}

	big := `{"a":"` + strings.Repeat("x", 200) + `"}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/echo", strings.NewReader(big))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body: expected 400, got %d", w.Code)
	}
}
