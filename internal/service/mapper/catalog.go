package mapper

// serviceCatalog maps frontend service short-names to provider service codes.
var serviceCatalog = map[string]string{
	"wa":     "wa",
	"tg":     "tg",
	"ig":     "ig",
	"fb":     "fb",
	"goo":    "go",
	"tt":     "lf",
	"tw":     "tw",
	"li":     "tn",
	"pp":     "ts",
	"airbnb": "uk",
	"bolt":   "tx",
}

// countryCatalog maps ISO country codes to provider country ids.
var countryCatalog = map[string]string{
	"RU": "0",
	"UA": "1",
	"KZ": "2",
	"CN": "3",
	"PH": "4",
	"ID": "6",
	"KE": "8",
	"TZ": "9",
	"GB": "16",
	"NG": "19",
	"IN": "22",
	"ZA": "31",
	"CA": "36",
	"DE": "43",
	"NL": "48",
	"SA": "53",
	"TR": "62",
	"BR": "73",
	"UG": "75",
	"FR": "78",
	"ES": "56",
	"IT": "86",
	"AE": "95",
	"QA": "111",
	"PL": "15",
	"SE": "46",
	"CH": "173",
	"AU": "175",
	"US": "187",
	"JP": "1001",
	"KR": "190",
	"SG": "196",
}
