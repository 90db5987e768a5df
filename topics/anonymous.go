package topics

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"

	"agora/models"

	"gopkg.in/yaml.v3"
)

var (
	defaultAdjectives = []string{
		"Swift", "Brave", "Clever", "Noble", "Fierce",
		"Gentle", "Mighty", "Wise", "Bold", "Calm",
		"Quick", "Strong", "Silent", "Bright", "Dark",
		"Golden", "Silver", "Crimson", "Azure", "Emerald",
	}
	defaultAnimals = []string{
		"Fox", "Panda", "Tiger", "Owl", "Dolphin",
		"Hedgehog", "Falcon", "Penguin", "Wolf", "Koala",
		"Rabbit", "Eagle", "Lion", "Bear", "Giraffe",
		"Zebra", "Cheetah", "Leopard", "Kangaroo", "Elephant",
		"Phoenix", "Dragon", "Unicorn", "Griffin", "Hydra",
	}
)

const nameHashModulus = 1000000

// WordList is the vocabulary for synthetic names. The file format is YAML,
// which also accepts the JSON form {"adjectives": [...], "animals": [...]}.
type WordList struct {
	Adjectives []string `yaml:"adjectives"`
	Animals    []string `yaml:"animals"`
}

// DefaultWordList returns the built-in vocabulary.
func DefaultWordList() WordList {
	return WordList{
		Adjectives: append([]string(nil), defaultAdjectives...),
		Animals:    append([]string(nil), defaultAnimals...),
	}
}

// LoadWordList reads a word list file. Either list missing or empty in the
// file is replaced by the built-in one.
func LoadWordList(path string) (WordList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultWordList(), fmt.Errorf("could not read word list %s: %w", path, err)
	}
	var wl WordList
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return DefaultWordList(), fmt.Errorf("could not parse word list %s: %w", path, err)
	}
	if len(wl.Adjectives) == 0 {
		wl.Adjectives = append([]string(nil), defaultAdjectives...)
	}
	if len(wl.Animals) == 0 {
		wl.Animals = append([]string(nil), defaultAnimals...)
	}
	return wl, nil
}

// Namer generates "Anonymous {Adjective} {Animal}" display names.
type Namer struct {
	words WordList
}

func NewNamer(words WordList) *Namer {
	if len(words.Adjectives) == 0 {
		words.Adjectives = defaultAdjectives
	}
	if len(words.Animals) == 0 {
		words.Animals = defaultAnimals
	}
	return &Namer{words: words}
}

// NewNamerFromFile loads the word list at path, falling back to the built-in
// list when path is empty or unreadable.
func NewNamerFromFile(path string, logger *slog.Logger) *Namer {
	if path == "" {
		return NewNamer(DefaultWordList())
	}
	words, err := LoadWordList(path)
	if err != nil {
		logger.Warn("Falling back to built-in anonymous word list", "path", path, "error", err)
	}
	return NewNamer(words)
}

// Name returns the stable name for an author within a topic. Without a full
// (uid, tid) key it falls back to RandomName.
func (n *Namer) Name(uid, tid int64) string {
	if uid == 0 || tid == 0 {
		return n.RandomName()
	}
	return n.StableName(uid, tid)
}

// StableName derives the name from a rolling hash over "{uid}_{tid}".
func (n *Namer) StableName(uid, tid int64) string {
	key := strconv.FormatInt(uid, 10) + "_" + strconv.FormatInt(tid, 10)
	hash := 0
	for i := 0; i < len(key); i++ {
		hash = (hash*31 + int(key[i])) % nameHashModulus
	}
	if hash < 0 {
		hash = -hash
	}
	adjectives, animals := n.words.Adjectives, n.words.Animals
	adjective := adjectives[hash%len(adjectives)]
	animal := animals[(hash/len(adjectives))%len(animals)]
	return "Anonymous " + adjective + " " + animal
}

// RandomName picks an arbitrary name. It is not stable across calls and is
// only used where no (uid, tid) key exists.
func (n *Namer) RandomName() string {
	adjectives, animals := n.words.Adjectives, n.words.Animals
	return "Anonymous " + adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))]
}

// Authored identifies an anonymously postable item and its masking seed.
type Authored struct {
	UID       int64
	TID       int64
	Anonymous int
}

func TopicAuthor(t *models.Topic) Authored {
	return Authored{UID: t.UID, TID: t.TID, Anonymous: t.Anonymous}
}

func PostAuthor(p *models.Post) Authored {
	return Authored{UID: p.UID, TID: p.TID, Anonymous: p.Anonymous}
}

// Masker projects authors onto what a particular viewer is allowed to see.
type Masker struct {
	namer  *Namer
	avatar string
}

func NewMasker(namer *Namer, avatarURL string) *Masker {
	return &Masker{namer: namer, avatar: avatarURL}
}

// ProjectIdentity returns real unchanged unless the item is anonymous and the
// viewer is neither its author nor an administrator or moderator, in which
// case a synthetic user is returned.
func (m *Masker) ProjectIdentity(real *models.User, item Authored, viewerUID int64, viewerIsAdminOrMod bool) *models.User {
	if !m.Masks(item, viewerUID, viewerIsAdminOrMod) {
		return real
	}
	return m.Synthetic(m.namer.Name(item.UID, item.TID))
}

// MaskPost projects a post's author for the viewer. A hidden author also
// loses the raw uid and guest handle.
func (m *Masker) MaskPost(p *models.Post, viewerUID int64, viewerIsAdminOrMod bool) {
	item := PostAuthor(p)
	if !m.Masks(item, viewerUID, viewerIsAdminOrMod) {
		return
	}
	p.User = m.Synthetic(m.namer.Name(item.UID, item.TID))
	p.UID = 0
	p.Handle = ""
}

// Masks reports whether the viewer gets a synthetic identity for item.
func (m *Masker) Masks(item Authored, viewerUID int64, viewerIsAdminOrMod bool) bool {
	if item.Anonymous != 1 || viewerIsAdminOrMod {
		return false
	}
	return viewerUID <= 0 || viewerUID != item.UID
}

// Synthetic builds the placeholder record shown instead of a hidden author.
func (m *Masker) Synthetic(name string) *models.User {
	return &models.User{
		UID:         0,
		Username:    name,
		DisplayName: name,
		Userslug:    "",
		Picture:     m.avatar,
		Status:      "offline",
	}
}
