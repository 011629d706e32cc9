package flag

import (
	"math/rand/v2"
	"strconv"
	"strings"
)

var adjectives = []string{
	"agile", "ancient", "bold", "brave", "bright", "calm", "clever", "cosmic", "crimson", "curious",
	"daring", "dark", "eager", "electric", "fancy", "fierce", "frozen", "gentle", "golden", "grumpy",
	"hidden", "hollow", "humble", "icy", "jolly", "kind", "lazy", "little", "lucky", "mighty",
	"misty", "noble", "odd", "polite", "proud", "quick", "quiet", "rapid", "rusty", "shiny",
	"silent", "sleepy", "sly", "solid", "spicy", "steady", "stormy", "sunny", "swift", "tiny",
	"vivid", "wandering", "wild", "wise", "witty", "young", "zesty",
}

var nouns = []string{
	"badger", "beacon", "bison", "cactus", "canyon", "cipher", "comet", "cricket", "dolphin", "dragon",
	"falcon", "fern", "fox", "gecko", "glacier", "harbor", "hedgehog", "heron", "island", "jaguar",
	"kernel", "koala", "lantern", "lemur", "lynx", "meadow", "meteor", "moose", "nebula", "otter",
	"owl", "panda", "parrot", "pebble", "penguin", "pirate", "quasar", "raven", "reef", "robot",
	"salmon", "socket", "sparrow", "squid", "tiger", "toucan", "tulip", "turtle", "valley", "viper",
	"walrus", "willow", "wizard", "wombat", "yak", "zebra",
}

var domains = []string{
	"example.com", "mail.local", "post.net", "inbox.org", "letters.io", "courier.dev",
}

// GenerateUsername returns names like "sleepy_otter4821". Passing a seeded
// generator makes the result reproducible; nil uses the global source.
func GenerateUsername(r *rand.Rand) string {
	return pick(r, adjectives) + "_" + pick(r, nouns) + strconv.Itoa(intN(r, 10000))
}

func GenerateEmail(r *rand.Rand) string {
	return strings.ReplaceAll(GenerateUsername(r), "_", ".") + "@" + pick(r, domains)
}

func GeneratePassword(r *rand.Rand) string {
	var sb strings.Builder
	for range 16 {
		sb.WriteByte(alphanumChars[intN(r, len(alphanumChars))])
	}
	return sb.String()
}

func pick(r *rand.Rand, words []string) string {
	return words[intN(r, len(words))]
}

func intN(r *rand.Rand, n int) int {
	if r == nil {
		return rand.IntN(n)
	}
	return r.IntN(n)
}
