package xadapter

// X.com DOM selectors.
// Isolated here because X changes their DOM frequently.
// Update these when collection breaks.

const (
	feedContainer = `[data-testid="primaryColumn"]`
	postArticle   = `article[data-testid="tweet"]`

	postText      = `[data-testid="tweetText"]`
	postAuthor    = `[data-testid="User-Name"]`
	postTimestamp = `time`
	postLink      = `a[href*="/status/"]`

	// Login page indicators (for detecting auth state)
	homeIndicator  = `[data-testid="SideNav_NewTweet_Button"]`
	loginIndicator = `[data-testid="loginButton"]`
)
