package pii

// Italian first and last names used to spot "Nome Cognome" pairs outside of
// an introducing phrase. Entries are lower case.
var firstNames = toSet(
	"mario", "luigi", "giuseppe", "francesco", "antonio", "giovanni", "pietro", "paolo",
	"carlo", "marco", "andrea", "stefano", "alessandro", "luca", "matteo", "davide",
	"maria", "anna", "lucia", "sara", "francesca", "giovanna", "rosa", "elena",
	"laura", "paola", "claudia", "giulia", "chiara", "valentina", "federica", "silvia",
)

var lastNames = toSet(
	"rossi", "russo", "ferrari", "esposito", "bianchi", "romano", "colombo", "ricci",
	"marino", "greco", "bruno", "gallo", "conti", "de luca", "costa", "giordano",
	"mancini", "rizzo", "lombardi", "moretti", "barbieri", "fontana", "santoro", "mariani",
)

// Health data a pharmacy caller may mention. Multi-word terms are matched as
// a whole before their single-word prefixes.
var medicalTerms = []string{
	"diabete", "diabetico", "diabetica",
	"ipertensione", "iperteso", "ipertesa",
	"asma", "asmatico", "asmatica",
	"epilessia", "epilettico", "epilettica",
	"depressione", "depresso", "depressa",
	"ansia", "ansioso", "ansiosa",
	"tumore", "cancro", "oncologico",
	"hiv", "aids",
	"epatite",
	"insufficienza renale", "insufficienza cardiaca",
	"chemioterapia", "radioterapia",
	"allergia", "allergico", "allergica",
	"glicemia", "emoglobina glicata", "hba1c",
	"colesterolo", "trigliceridi",
	"pressione arteriosa", "pressione alta", "pressione bassa",
	"insulina", "metformina",
	"warfarin", "coumadin",
	"cardioaspirina",
}

func toSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}
