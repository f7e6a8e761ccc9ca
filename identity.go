package roadspeed

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Identity is browser fingerprint of single session
type Identity struct {
	UserAgent      string
	Locale         string
	Timezone       string
	AcceptLanguage string
	Proxy          string
	ProfileDir     string
}

// identityProfile is locale-consistent combination of fingerprint attributes
type identityProfile struct {
	userAgent      string
	locale         string
	timezone       string
	acceptLanguage string
}

var defaultProfiles = []identityProfile{
	{
		userAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		locale:         "id-ID",
		timezone:       "Asia/Jakarta",
		acceptLanguage: "id-ID,id;q=0.9,en-US;q=0.8,en;q=0.7",
	},
	{
		userAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		locale:         "en-US",
		timezone:       "Asia/Jakarta",
		acceptLanguage: "en-US,en;q=0.9,id;q=0.8",
	},
	{
		userAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		locale:         "id-ID",
		timezone:       "Asia/Jakarta",
		acceptLanguage: "id,en-US;q=0.9,en;q=0.8",
	},
	{
		userAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.0.0",
		locale:         "en-GB",
		timezone:       "Asia/Jakarta",
		acceptLanguage: "en-GB,en;q=0.9",
	},
}

// IdentityPool hands out identities and proxies
type IdentityPool struct {
	mu         sync.Mutex
	profiles   []identityProfile
	proxies    []string
	nextProxy  int
	profileDir string
	rnd        *rand.Rand
	issued     int
}

// NewIdentityPool returns pool with built-in profiles. Empty proxies means direct connection.
// Profile directories are created under baseDir (os.TempDir() when empty)
func NewIdentityPool(proxies []string, baseDir string, seed int64) *IdentityPool {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	cp := make([]string, len(proxies))
	copy(cp, proxies)
	return &IdentityPool{
		profiles:   defaultProfiles,
		proxies:    cp,
		profileDir: baseDir,
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

// Next returns fresh identity: random profile, next proxy and new profile directory
func (pool *IdentityPool) Next() (Identity, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	profile := pool.profiles[pool.rnd.Intn(len(pool.profiles))]
	pool.issued++
	dir, err := os.MkdirTemp(pool.profileDir, fmt.Sprintf("roadspeed-profile-%d-", pool.issued))
	if err != nil {
		return Identity{}, errors.Wrap(err, "Can't create browser profile directory")
	}
	return Identity{
		UserAgent:      profile.userAgent,
		Locale:         profile.locale,
		Timezone:       profile.timezone,
		AcceptLanguage: profile.acceptLanguage,
		Proxy:          pool.proxyLocked(),
		ProfileDir:     dir,
	}, nil
}

// RotateProxy returns same identity with next proxy. Profile directory is kept
func (pool *IdentityPool) RotateProxy(identity Identity) Identity {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	identity.Proxy = pool.proxyLocked()
	return identity
}

// Release removes profile directory of retired identity
func (pool *IdentityPool) Release(identity Identity) {
	if identity.ProfileDir == "" {
		return
	}
	if filepath.Dir(identity.ProfileDir) != filepath.Clean(pool.profileDir) {
		return
	}
	os.RemoveAll(identity.ProfileDir)
}

func (pool *IdentityPool) proxyLocked() string {
	if len(pool.proxies) == 0 {
		return ""
	}
	proxy := pool.proxies[pool.nextProxy%len(pool.proxies)]
	pool.nextProxy++
	return proxy
}
