package prompt

// Threat is the instruction sent with every image. The reply is free text;
// the verdict is read from the word "dangerous" (see threat.ParseVerdict).
const Threat = `Analyze the image below for any potential threats to public safety. ` +
	`Please respond with 'dangerous' if a threat is detected, or 'not dangerous' otherwise. ` +
	`Include a description if a threat is present.`

// ImageTag embeds a data URL the way the NIM vision endpoints expect it inline.
func ImageTag(dataURL string) string {
	return `<img src="` + dataURL + `" />`
}
