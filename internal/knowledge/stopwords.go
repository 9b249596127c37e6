package knowledge

// stopwords covers common English function words plus romanized Hindi
// fillers that show up in code-switched caller queries.
var stopwords = map[string]struct{}{}

func init() {
	english := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"am", "do", "does", "did", "have", "has", "had", "will", "would",
		"shall", "should", "can", "could", "may", "might", "must",
		"i", "me", "my", "mine", "we", "us", "our", "you", "your", "yours",
		"he", "him", "his", "she", "her", "it", "its", "they", "them", "their",
		"this", "that", "these", "those", "what", "which", "who", "whom",
		"when", "where", "why", "how",
		"and", "or", "but", "if", "then", "else", "so", "as", "of", "at",
		"by", "for", "with", "about", "to", "from", "in", "on", "off",
		"over", "under", "up", "down", "out", "into", "again", "there",
		"here", "all", "any", "both", "each", "few", "more", "most", "some",
		"such", "no", "not", "only", "own", "same", "than", "too", "very",
		"just", "also", "please", "tell", "know", "want", "need", "like",
		"get", "give", "okay", "ok", "yes", "no", "hello", "hi",
	}
	hindi := []string{
		"hai", "hain", "ho", "hun", "tha", "thi", "the", "ka", "ki", "ke",
		"ko", "se", "me", "mein", "par", "pe", "aur", "ya", "na", "nahi",
		"nahin", "haan", "kya", "kyun", "kaise", "kab", "kahan", "kaun",
		"kitna", "kitni", "kitne", "yeh", "ye", "woh", "wo", "is", "us",
		"iska", "uska", "mera", "meri", "mere", "tera", "teri", "tere",
		"aap", "aapka", "aapki", "apna", "apni", "hum", "tum", "main",
		"bhi", "toh", "to", "ab", "phir", "fir", "kar", "karo", "karna",
		"karein", "raha", "rahi", "rahe", "wala", "wali", "wale", "sakta",
		"sakti", "sakte", "chahiye", "batao", "bataiye", "ji", "acha",
		"accha", "theek", "thik", "matlab", "lekin", "magar", "bas",
	}
	for _, w := range english {
		stopwords[w] = struct{}{}
	}
	for _, w := range hindi {
		stopwords[w] = struct{}{}
	}
}
