package feed

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Feed is one configured RSS/Atom endpoint.
type Feed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds"`
}

// LoadFeeds reads a YAML feed list of the form:
//
//	feeds:
//	  - name: boannews
//	    url: https://www.boannews.com/media/news_rss.xml
func LoadFeeds(path string) ([]Feed, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}

	var ff feedsFile
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("parse feeds file: %w", err)
	}

	if err := validateFeeds(ff.Feeds); err != nil {
		return nil, err
	}
	return ff.Feeds, nil
}

// ParseFeedURLs turns a comma separated URL list into feeds named by host.
func ParseFeedURLs(list string) ([]Feed, error) {
	var feeds []Feed
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse feed url %q: %w", raw, err)
		}
		feeds = append(feeds, Feed{Name: u.Host, URL: raw})
	}
	if err := validateFeeds(feeds); err != nil {
		return nil, err
	}
	return feeds, nil
}

func validateFeeds(feeds []Feed) error {
	var errs []error
	for i, f := range feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feed %d: url is required", i))
			continue
		}
		u, err := url.Parse(f.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("feed %d: invalid url %q", i, f.URL))
		}
	}
	return errors.Join(errs...)
}
