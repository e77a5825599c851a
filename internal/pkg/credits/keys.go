package credits

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/BotFox/app/models"
)

// Redis key layout. The subscription id is a hash tag so that every key of
// one subscription lives in the same cluster slot and the scripts stay atomic.
const (
	keyPrefix        = "credits:"
	balanceSuffix    = ":balance"
	validSuffix      = ":valid"
	pendingSuffix    = ":pending"
	reconcileSuffix  = ":reconciling"
	unmeteredBalance = "unmetered"

	PendingKeyPattern     = keyPrefix + "{*}" + pendingSuffix
	ReconcilingKeyPattern = keyPrefix + "{*}" + reconcileSuffix
)

func subscriptionTag(subscriptionID uint) string {
	return fmt.Sprintf("%s{%d}", keyPrefix, subscriptionID)
}

func BalanceKey(subscriptionID uint) string {
	return subscriptionTag(subscriptionID) + balanceSuffix
}

func ValidKey(subscriptionID uint) string {
	return subscriptionTag(subscriptionID) + validSuffix
}

func PendingKey(subscriptionID uint) string {
	return subscriptionTag(subscriptionID) + pendingSuffix
}

func ReconcilingKey(subscriptionID uint) string {
	return subscriptionTag(subscriptionID) + reconcileSuffix
}

// subscriptionFromKey extracts the id from keys like "credits:{42}:pending"
func subscriptionFromKey(key string) (uint, bool) {
	start := strings.IndexByte(key, '{')
	end := strings.IndexByte(key, '}')
	if start < 0 || end <= start+1 {
		return 0, false
	}
	id, err := strconv.ParseUint(key[start+1:end], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// validityMarker is the value of the valid key: the end of the validity window
// in unix milliseconds, or "0" when the subscription does not end.
func validityMarker(sub *models.Subscription) string {
	if sub.EndsAt == nil {
		return "0"
	}
	return strconv.FormatInt(sub.EndsAt.UnixMilli(), 10)
}

// markerExpired reports whether a cached validity window has ended at now
func markerExpired(marker string, now time.Time) bool {
	endsAt, err := strconv.ParseInt(marker, 10, 64)
	if err != nil {
		return true
	}
	return endsAt > 0 && endsAt <= now.UnixMilli()
}
