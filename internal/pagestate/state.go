// Package pagestate classifies a live browser page into one of a closed set
// of states. Classification runs a priority-ordered list of independent
// detectors; network and bot-defense signals outrank content signals because
// a blocked page can still contain stale DOM fragments.
package pagestate

// State identifies the classification of a page snapshot. Values equal the
// id of the detector that produced them.
type State string

const (
	StateProxyBlocked403      State = "proxy_block_403_detector"
	StateRateLimited429       State = "proxy_block_429_detector"
	StateProxyAuthRequired407 State = "proxy_auth_407_detector"
	StateCaptcha              State = "captcha_detector"
	StateRemoved              State = "removed_or_not_found_detector"
	StateSellerProfile        State = "seller_profile_detector"
	StateCatalog              State = "catalog_page_detector"
	StateCardFound            State = "card_found_detector"
	StateContinueButton       State = "continue_button_detector"
	StateUnknownPage          State = "unknown_page_detector"

	// StateNotDetected is returned by the router when no detector matched
	// after all retry passes. It has no detector of its own.
	StateNotDetected State = "not_detected"
)

// DefaultOrder is the static priority order, highest first.
var DefaultOrder = []State{
	StateProxyBlocked403,
	StateRateLimited429,
	StateProxyAuthRequired407,
	StateCaptcha,
	StateRemoved,
	StateSellerProfile,
	StateCatalog,
	StateCardFound,
	StateContinueButton,
	StateUnknownPage,
}
