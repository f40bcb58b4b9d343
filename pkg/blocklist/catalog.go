package blocklist

import "sort"

// SiteDefinition describes a built-in distracting site.
type SiteDefinition struct {
	Host     string
	Name     string
	Category string
}

// Catalog lists the built-in sites blocked while study mode is on.
var Catalog = map[string]SiteDefinition{
	"facebook.com":  {Host: "facebook.com", Name: "Facebook", Category: "social"},
	"instagram.com": {Host: "instagram.com", Name: "Instagram", Category: "social"},
	"twitter.com":   {Host: "twitter.com", Name: "Twitter", Category: "social"},
	"x.com":         {Host: "x.com", Name: "X", Category: "social"},
	"tiktok.com":    {Host: "tiktok.com", Name: "TikTok", Category: "social"},
	"reddit.com":    {Host: "reddit.com", Name: "Reddit", Category: "social"},
	"youtube.com":   {Host: "youtube.com", Name: "YouTube", Category: "video"},
	"netflix.com":   {Host: "netflix.com", Name: "Netflix", Category: "video"},
	"twitch.tv":     {Host: "twitch.tv", Name: "Twitch", Category: "video"},
}

// CatalogHosts returns the hosts of catalog in lexical order.
func CatalogHosts(catalog map[string]SiteDefinition) []string {
	hosts := make([]string, 0, len(catalog))
	for _, def := range catalog {
		hosts = append(hosts, def.Host)
	}
	sort.Strings(hosts)
	return hosts
}
