package schwabrt

import "testing"

func TestOAuthUrlRequestReplyIgnoresEmptyString(t *testing.T) {
	req := &OAuthUrlRequest{URL: "https://authorize", Reason: InitialSetup, ChancesLeft: 3}

	req.Reply("")
	if req.replied {
		t.Fatalf("replied = true after Reply(\"\"), want false")
	}

	req.Reply("https://127.0.0.1/?code=abc&session=xyz")
	if !req.replied {
		t.Fatalf("replied = false after Reply with a non-empty URL, want true")
	}
	if req.replyURL != "https://127.0.0.1/?code=abc&session=xyz" {
		t.Fatalf("replyURL = %q, unexpected", req.replyURL)
	}
}

func TestAuthRequestReasonString(t *testing.T) {
	cases := map[AuthRequestReason]string{
		InitialSetup:          "InitialSetup",
		RefreshTokenExpired:   "RefreshTokenExpired",
		PreviousAuthFailed:    "PreviousAuthFailed",
		AuthRequestReason(99): "Unknown",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Fatalf("String() for %d = %q, want %q", reason, got, want)
		}
	}
}
