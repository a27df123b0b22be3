package listener

import "testing"

type recordingCanceller struct {
	cancelled []string
}

func (c *recordingCanceller) Cancel(consentID string) {
	c.cancelled = append(c.cancelled, consentID)
}

func TestConsentListener_Handle(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"revoked", `{"consent_id":"c-1","user_id":7,"status":"revoked"}`, []string{"c-1"}},
		{"expired", `{"consent_id":"c-2","user_id":7,"status":"expired"}`, []string{"c-2"}},
		{"missing id", `{"user_id":7,"status":"revoked"}`, nil},
		{"not json", `c-1`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &recordingCanceller{}
			l := NewConsentListener("", c)
			l.handle(tt.payload)

			if len(c.cancelled) != len(tt.want) {
				t.Fatalf("cancelled = %v, want %v", c.cancelled, tt.want)
			}
			for i := range tt.want {
				if c.cancelled[i] != tt.want[i] {
					t.Errorf("cancelled[%d] = %q, want %q", i, c.cancelled[i], tt.want[i])
				}
			}
		})
	}
}
