// Package chat contains the Twitch IRC transport.
//
// TwitchSource joins one channel over IRC and turns every PRIVMSG into a chat
// arrival. Messages carrying bits (cheers) additionally produce a balloon
// donation whose amount is the bit count; the cheer text travels with it as
// the donation's message.
//
// Credentials: with TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN set the client
// logs in as that bot; otherwise it connects anonymously, which is enough to
// read chat.
package chat
