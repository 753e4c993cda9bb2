package services

import "sharechannel/pkg/utils"

var emojiGroups = [][]string{
	{"🐶", "🐱", "🐭", "🐹", "🐰", "🦊", "🐻", "🐼", "🐨", "🐯", "🦁", "🐮", "🐷", "🐸", "🐵"},
	{"🍎", "🍐", "🍊", "🍋", "🍌", "🍉", "🍇", "🍓", "🫐", "🍈", "🍒", "🍑", "🥭", "🍍", "🥝"},
	{"🚀", "🚁", "🚂", "🚃", "🚌", "🚎", "🚓", "🚕", "🛵", "🏍️", "🛺", "🚤", "⛵", "🛸", "🛩️"},
	{"⚽", "🏀", "🏈", "⚾", "🎾", "🏐", "🏉", "🎱", "🏓", "🏸", "🥊", "🥋", "⛳", "🏊‍♀️", "🚴‍♀️"},
	{"🎮", "🎲", "🧩", "🎭", "🎨", "🎬", "🎤", "🎧", "🎸", "🎹", "🎺", "🎻", "🪕", "🎯", "🎪"},
}

var adjectives = []string{
	"Happy", "Swift", "Clever", "Brave", "Mighty",
	"Cosmic", "Mystic", "Radiant", "Gentle", "Wise",
	"Bouncy", "Dazzling", "Silent", "Golden", "Peaceful",
	"Fluffy", "Sparkling", "Magical", "Vibrant", "Witty",
}

// GenerateDisplayName returns an adjective followed by an emoji, e.g. "Brave🦊".
func GenerateDisplayName() string {
	group := emojiGroups[utils.RandomIndex(len(emojiGroups))]
	return adjectives[utils.RandomIndex(len(adjectives))] + group[utils.RandomIndex(len(group))]
}
