package egress

// DefaultBlocklist names domains commonly used for data exfiltration,
// out-of-band interaction callbacks, and anonymous paste drops. Entries here
// outrank every allow source, including session approvals.
var DefaultBlocklist = []string{
	"*.ngrok.io",
	"*.ngrok-free.app",
	"*.requestbin.com",
	"*.pipedream.net",
	"webhook.site",
	"*.burpcollaborator.net",
	"*.oastify.com",
	"*.interact.sh",
	"*.canarytokens.com",
	"pastebin.com",
	"hastebin.com",
	"*.requestcatcher.com",
	"*.hookbin.com",
}
