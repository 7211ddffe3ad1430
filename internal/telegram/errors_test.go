package telegram_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

func TestFloodWaitDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want time.Duration
		ok   bool
	}{
		{
			name: "rpcError",
			err:  tgerr.New(420, "FLOOD_WAIT_17"),
			want: 17 * time.Second,
			ok:   true,
		},
		{
			name: "pausedReasonText",
			err:  errors.New("FLOOD_WAIT_60"),
			want: 60 * time.Second,
			ok:   true,
		},
		{
			name: "humanReadableText",
			err:  errors.New("A wait of 300 seconds is required (caused by messages.ForwardMessages)"),
			want: 300 * time.Second,
			ok:   true,
		},
		{
			name: "wrappedText",
			err:  errors.New("task paused: FLOOD_WAIT_5 somewhere"),
			want: 5 * time.Second,
			ok:   true,
		},
		{
			name: "notFlood",
			err:  errors.New("CHANNEL_PRIVATE"),
			ok:   false,
		},
		{
			name: "nil",
			err:  nil,
			ok:   false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := telegram.FloodWaitDuration(tc.err)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("FloodWaitDuration(%v) = (%v, %v), want (%v, %v)", tc.err, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want telegram.ErrorClass
	}{
		{"floodWait", tgerr.New(420, "FLOOD_WAIT_30"), telegram.ClassFloodWait},
		{"protected", tgerr.New(403, "CHAT_FORWARDS_RESTRICTED"), telegram.ClassProtectedContent},
		{"deleted", tgerr.New(400, "MESSAGE_ID_INVALID"), telegram.ClassMessageDeleted},
		{"sessionRevoked", tgerr.New(401, "SESSION_REVOKED"), telegram.ClassSessionInvalid},
		{"authKeyUnregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), telegram.ClassSessionInvalid},
		{"fatalConfig", tgerr.New(400, "API_ID_INVALID"), telegram.ClassFatalConfig},
		{"inaccessiblePrivate", tgerr.New(400, "CHANNEL_PRIVATE"), telegram.ClassInaccessible},
		{"inaccessibleUsername", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), telegram.ClassInaccessible},
		{"serverError", tgerr.New(500, "INTERDC_2_CALL_ERROR"), telegram.ClassTransient},
		{"networkPhrase", errors.New("read tcp: connection reset by peer"), telegram.ClassTransient},
		{"engineClosed", errors.New("engine was closed"), telegram.ClassTransient},
		{"contextCanceled", context.Canceled, telegram.ClassOther},
		{"unknownRPC", tgerr.New(400, "SOMETHING_ODD"), telegram.ClassOther},
		{"plain", errors.New("boom"), telegram.ClassOther},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, _ := telegram.Classify(tc.err)
			if got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyFloodWaitDurationPassthrough(t *testing.T) {
	t.Parallel()

	class, wait := telegram.Classify(errors.New("FLOOD_WAIT_42"))
	if class != telegram.ClassFloodWait || wait != 42*time.Second {
		t.Fatalf("Classify = (%s, %v), want (flood_wait, 42s)", class, wait)
	}
}
