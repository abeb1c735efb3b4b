package report

import (
	"fmt"
	"strings"
)

// Lang selects the language the bot answers in
type Lang string

const (
	English Lang = "en"
	Spanish Lang = "es"
)

// LanguageFor picks the language for a Telegram language code. Anything
// that is not Spanish gets English.
func LanguageFor(code string) Lang {
	if strings.HasPrefix(strings.ToLower(code), string(Spanish)) {
		return Spanish
	}
	return English
}

// Dialog keys
const (
	Start             = "start"
	Help              = "help"
	TextAnalyzing     = "text_analyzing"
	TextError         = "text_error"
	TextResults       = "text_results"
	FileDownloading   = "file_downloading"
	FileDownloadError = "file_download_error"
	FileTooBig        = "file_too_big"
	FileAnalyzing     = "file_analyzing"
	FileError         = "file_error"
	FileResults       = "file_results"
	FileClean         = "file_clean"
)

var dialogs = map[string]map[Lang]string{
	Start: {
		English: "💻 Hi there! Welcome to Virus Total 🔍, I am an unofficial Telegram bot that uses the " +
			"VirusTotal API (https://virustotal.com) to perform security analysis on URLs and files. " +
			"I can help you check the safety and integrity of your files and URLs. You can send me a " +
			"URL or a file (up to %d megabytes) and I will give you the results of the analysis. 😊",
		Spanish: "💻 Hola! Bienvenido a Virus Total 🔍, soy un bot no oficial de Telegram que usa la " +
			"API de VirusTotal (https://virustotal.com) para realizar análisis de seguridad en " +
			"URLs y archivos. Puedo ayudarte a verificar la seguridad e integridad de tus archivos " +
			"y URLs. Puedes enviarme una URL o un archivo (hasta %d megabytes) y te daré los " +
			"resultados del análisis. 😊",
	},
	Help: {
		English: "ℹ️ Send me a URL as a text message and I will check it with VirusTotal. " +
			"Send me a file (up to %d megabytes) as a document and I will scan it too. " +
			"Use /start to see the welcome message again.",
		Spanish: "ℹ️ Envíame una URL como mensaje de texto y la comprobaré con VirusTotal. " +
			"Envíame un archivo (hasta %d megabytes) como documento y también lo analizaré. " +
			"Usa /start para ver de nuevo el mensaje de bienvenida.",
	},
	TextAnalyzing: {
		English: "🔎 I am analyzing the URL you sent me, give me one second...",
		Spanish: "🔎 Estoy analizando la URL que me enviaste, dame un segundo...",
	},
	TextError: {
		English: "🚨 It seems that the URL you sent me is not valid. Please, send me a valid URL.",
		Spanish: "🚨 Parece que la URL que me enviaste no es válida. Por favor, envíame una URL válida.",
	},
	TextResults: {
		English: "📊 Here are the results of the analysis for the domain %s:",
		Spanish: "📊 Aquí están los resultados del análisis para el dominio %s:",
	},
	FileDownloading: {
		English: "📥 I am downloading the file you sent me...",
		Spanish: "📥 Estoy descargando el archivo que me enviaste...",
	},
	FileDownloadError: {
		English: "🚨 I could not download the file you sent me. Please, try again later.",
		Spanish: "🚨 No pude descargar el archivo que me enviaste. Por favor, inténtalo más tarde.",
	},
	FileTooBig: {
		English: "🐘 The file you sent me is too big. The maximum size is %d megabytes.",
		Spanish: "🐘 El archivo que me enviaste es demasiado grande. El tamaño máximo es de %d megabytes.",
	},
	FileAnalyzing: {
		English: "🔎 I am analyzing the file you sent me, this can take a few minutes...",
		Spanish: "🔎 Estoy analizando el archivo que me enviaste, esto puede tardar unos minutos...",
	},
	FileError: {
		English: "🚨 Something went wrong while analyzing your file. Please, try again later.",
		Spanish: "🚨 Algo salió mal al analizar tu archivo. Por favor, inténtalo más tarde.",
	},
	FileResults: {
		English: "📊 Here are the results of the analysis for the file %s:",
		Spanish: "📊 Aquí están los resultados del análisis para el archivo %s:",
	},
	FileClean: {
		English: "✅ No engine flagged your file, here it is back.",
		Spanish: "✅ Ningún motor marcó tu archivo, aquí lo tienes de vuelta.",
	},
}

// Dialog returns the text of key in lang, formatted with args. Missing
// translations fall back to English.
func Dialog(key string, lang Lang, args ...any) string {
	texts, ok := dialogs[key]
	if !ok {
		return key
	}
	text, ok := texts[lang]
	if !ok {
		text = texts[English]
	}
	if len(args) == 0 {
		return text
	}
	return fmt.Sprintf(text, args...)
}
