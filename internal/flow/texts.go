package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// Replies sent to actors.
const (
	msgWelcome = "Welcome to PackPipe! 🎨"
	msgMenu    = "I can help you:\n" +
		"• Convert GIFs/videos to stickers\n" +
		"• Generate AI-powered stickers\n" +
		"• Create sticker packs automatically\n\n" +
		"Choose an option:"
	msgHelp = "PackPipe Help 📖\n\n" +
		"Commands:\n" +
		"/batch - Upload up to 10 GIFs/videos, convert them all, and create a pack\n" +
		"/convert - Convert one file to a sticker\n" +
		"/ai - AI Sticker Maker: Send a base image, choose a template\n" +
		"/pack - AI Generate Pack: Generate a full sticker pack (6 or 12 stickers)\n" +
		"/done - Finish batch and proceed to pack creation\n" +
		"/mypacks - List your packs\n" +
		"/cancel - Start over\n\n" +
		"All stickers meet sticker requirements:\n" +
		"• WEBM VP9 format\n" +
		"• ≤ 3 seconds\n" +
		"• ≤ 30 fps\n" +
		"• 512px max dimension\n" +
		"• ≤ 256 KB"

	msgBatchStart   = "Send up to 10 GIFs/videos. I'll convert each into sticker-ready files.\nWhen finished, use /done command."
	msgConvertStart = "Send a GIF or video file to convert to a sticker."
	msgAIStart      = "Send a base image (PNG preferred, JPG also accepted)."
	msgPackStart    = "How many stickers? Reply with \"6\" or \"12\""
	msgCancelled    = "Cancelled. Use /help to see what I can do."
	msgUnknown      = "Unknown command. Use /help for available commands."
	msgError        = "❌ An error occurred. Please try again."
	msgNoMode       = "Use /batch, /convert, /ai or /pack first."

	msgNoFiles        = "No files to process. Use /batch to start."
	msgStillWorking   = "⏳ Still converting %d file(s). I'll let you know when they're ready."
	msgFilesMissing   = "❌ %d file(s) are missing. Please convert them again."
	msgInvalidBatch   = "Please send a valid image (PNG/JPG) or video/GIF file."
	msgInvalidVideo   = "Please send a valid GIF or video file."
	msgInvalidImage   = "Please send a valid image file (PNG or JPG)."
	msgBatchLimit     = "Batch limit is %d. Processing will start automatically, but large packs may be slow."
	msgProcessing     = "⏳ Processing..."
	msgConverting     = "⏳ Converting..."
	msgQueueFailed    = "❌ Couldn't queue your file. Please try again."
	msgConvertFailed  = "❌ Failed to convert file. Please try another file."
	msgMixedFormats   = "⚠️ This file's format differs from the first file in the batch; the pack will use %s stickers."
	msgGenerateBusy   = "⏳ Still generating. Please wait for the current request to finish."
	msgAskContext     = "What is this project/coin/mascot about? (vibe, inside jokes, do's/don'ts, colors, keywords)\n\nOr send /skip to skip."
	msgGenerating     = "🎨 Generating sticker with AI..."
	msgGenerated      = "✅ Sticker generated!"
	msgGenerateFailed = "❌ Failed to generate sticker."
	msgAskTheme       = "Choose a theme: Reply with \"degen\", \"wholesome\", or \"builder\""
	msgAskPackImage   = "Send a base image for the pack (PNG preferred)."
	msgGeneratingPack = "🎨 Generating sticker pack with AI..."
	msgPackProgress   = "Generating sticker %d/%d..."
	msgPackGenerated  = "✅ Generated %d stickers!"
	msgPackGenFailed  = "❌ Failed to generate pack."

	msgAskTitle          = "What should the pack title be?"
	msgAskEmoji          = "Choose an emoji for this pack (tap one):"
	msgPickEmoji         = "Please select an emoji from the buttons:"
	msgSingleEmoji       = "Please send a single emoji."
	msgEmojiUnreadable   = "Couldn't read the pack emoji. Pick one to apply to new stickers:"
	msgPackNotFound      = "❌ Pack %q not found. Reply with \"existing <pack_name>\" or \"new\"."
	msgNotOwner          = "❌ Pack %q belongs to someone else. Reply with \"new\" to create your own."
	msgPackFull          = "❌ Pack %q is full."
	msgCreatingPack      = "📦 Creating sticker pack..."
	msgAddingToPack      = "📦 Adding stickers to pack..."
	msgPackCreated       = "✅ Pack created! Add it here: %s"
	msgStickersAdded     = "✅ Added %d sticker(s)! View pack: %s"
	msgArtifactsNotFound = "❌ %d file(s) not found. Please try converting again."
	msgCreateFailed      = "❌ Failed to create sticker set. It may already exist.\nSend a different title to try again."
	msgAddFailed         = "❌ Failed to add stickers. Please try again."
	msgNoPacks           = "You have no packs yet. Use /batch to create one."
)

// packChoiceText is the prompt that offers the new/existing choice.
func packChoiceText(lead string) string {
	return lead + " Reply with:\n" +
		"• \"new\" to create a new pack\n" +
		"• \"existing <pack_name>\" to add to existing pack"
}

// packChoiceButtons are quick replies for the new/existing choice.
func packChoiceButtons() []models.Button {
	return []models.Button{{ID: "new", Title: "New pack"}}
}

// templateChoiceText lists the templates accepted by the GenerateOne flow.
func templateChoiceText() string {
	return "Choose a template. Reply with one of: " + strings.Join(TemplateIDs(), ", ")
}

// readyText describes a converted artifact.
func readyText(a models.BufferedArtifact) string {
	m := a.Metadata
	if a.Format == models.FormatStatic {
		return fmt.Sprintf("✅ Ready: %dx%dpx · %dKB (PNG sticker)", m.Width, m.Height, m.KB)
	}
	return fmt.Sprintf("✅ Ready: %.1fs · %dx%dpx · %dKB", m.DurationSec, m.Width, m.Height, m.KB)
}
