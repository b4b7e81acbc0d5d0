package corrective

import "strings"

// moduleDistributions maps import names to the distribution that provides
// them when the two differ.
var moduleDistributions = map[string]string{
	"sklearn":         "scikit-learn",
	"cv2":             "opencv-python",
	"PIL":             "pillow",
	"yaml":            "pyyaml",
	"bs4":             "beautifulsoup4",
	"dateutil":        "python-dateutil",
	"dotenv":          "python-dotenv",
	"docx":            "python-docx",
	"pptx":            "python-pptx",
	"serial":          "pyserial",
	"Crypto":          "pycryptodome",
	"OpenSSL":         "pyopenssl",
	"magic":           "python-magic",
	"fitz":            "pymupdf",
	"jwt":             "pyjwt",
	"attr":            "attrs",
	"skimage":         "scikit-image",
	"googleapiclient": "google-api-python-client",
}

// Distribution returns the pip distribution that provides module.
func Distribution(module string) string {
	top := strings.SplitN(strings.TrimSpace(module), ".", 2)[0]
	if dist, ok := moduleDistributions[top]; ok {
		return dist
	}
	return strings.ToLower(top)
}
