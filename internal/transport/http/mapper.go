package http

import (
	"encoding/json"

	"github.com/parleychat/parley-server/internal/core"
	"github.com/parleychat/parley-server/internal/proto"
	"github.com/parleychat/parley-server/internal/store"
)

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error, error) {
	switch inbound.Type {
	case proto.InboundLogin:
		var login proto.LoginData
		if err := json.Unmarshal(inbound.Data, &login); err != nil {
			return nil, nil, err
		}
		if login.Username == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "username is required"}, nil
		}
		return &core.Command{Kind: core.CommandLogin, Username: login.Username}, nil, nil

	case proto.InboundLogout:
		return &core.Command{Kind: core.CommandLogout}, nil, nil

	case proto.InboundSendMessage:
		var msg proto.SendMessageData
		if err := json.Unmarshal(inbound.Data, &msg); err != nil {
			return nil, nil, err
		}
		if msg.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "roomId is required"}, nil
		}
		return &core.Command{Kind: core.CommandSendMessage, RoomID: msg.RoomID, Content: msg.Content}, nil, nil

	case proto.InboundReaction:
		var reaction proto.ReactionData
		if err := json.Unmarshal(inbound.Data, &reaction); err != nil {
			return nil, nil, err
		}
		if reaction.MessageID == "" || reaction.Emoji == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "messageId and emoji are required"}, nil
		}
		return &core.Command{Kind: core.CommandReact, MessageID: reaction.MessageID, Emoji: reaction.Emoji}, nil, nil

	case proto.InboundCreateRoom:
		var room proto.CreateRoomData
		if err := json.Unmarshal(inbound.Data, &room); err != nil {
			return nil, nil, err
		}
		return &core.Command{Kind: core.CommandCreateRoom, Name: room.Name}, nil, nil

	case proto.InboundJoinRoom:
		var join proto.JoinRoomData
		if err := json.Unmarshal(inbound.Data, &join); err != nil {
			return nil, nil, err
		}
		if join.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "roomId is required"}, nil
		}
		return &core.Command{Kind: core.CommandJoinRoom, RoomID: join.RoomID}, nil, nil

	case proto.InboundPrivateChat:
		var private proto.PrivateChatData
		if err := json.Unmarshal(inbound.Data, &private); err != nil {
			return nil, nil, err
		}
		if private.UserID == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "userId is required"}, nil
		}
		return &core.Command{Kind: core.CommandPrivateChat, OtherUserID: private.UserID}, nil, nil

	case proto.InboundTyping:
		var typing proto.TypingData
		if err := json.Unmarshal(inbound.Data, &typing); err != nil {
			return nil, nil, err
		}
		if typing.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Message: "roomId is required"}, nil
		}
		return &core.Command{Kind: core.CommandTyping, RoomID: typing.RoomID, IsTyping: typing.IsTyping}, nil, nil

	default:
		return nil, &proto.Error{Code: "invalid_event", Message: "unknown event type"}, nil
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventLoggedIn:
		return proto.Outbound{
			Event: proto.OutboundLoggedIn,
			Data:  proto.EventLoggedIn{User: userPayload(event.User)},
		}
	case core.EventStatusChanged:
		return proto.Outbound{
			Event: proto.OutboundStatusChanged,
			Data:  proto.EventStatusChanged{UserID: event.UserID, IsOnline: event.IsOnline},
		}
	case core.EventNewMessage:
		return proto.Outbound{
			Event: proto.OutboundNewMessage,
			Data:  proto.EventNewMessage{Message: messagePayload(event.Message)},
		}
	case core.EventMessageUpdated:
		return proto.Outbound{
			Event: proto.OutboundMessageUpdated,
			Data: proto.EventMessageUpdated{
				MessageID: event.MessageID,
				Reactions: reactionPayloads(event.Reactions),
			},
		}
	case core.EventRoomCreated:
		return proto.Outbound{
			Event: proto.OutboundRoomCreated,
			Data:  proto.EventRoomCreated{Room: roomPayload(event.Room)},
		}
	case core.EventRoomJoined:
		messages := make([]proto.MessagePayload, 0, len(event.Messages))
		for _, msg := range event.Messages {
			messages = append(messages, messagePayload(msg))
		}
		return proto.Outbound{
			Event: proto.OutboundRoomJoined,
			Data:  proto.EventRoomJoined{RoomID: event.RoomID, Messages: messages},
		}
	case core.EventPrivateStarted:
		return proto.Outbound{
			Event: proto.OutboundPrivateStarted,
			Data:  proto.EventPrivateStarted{Room: roomPayload(event.Room)},
		}
	case core.EventTyping:
		return proto.Outbound{
			Event: proto.OutboundTyping,
			Data: proto.EventTyping{
				UserID:   event.UserID,
				Username: event.Username,
				IsTyping: event.IsTyping,
			},
		}
	case core.EventSessionReplaced:
		return proto.Outbound{Event: proto.OutboundSessionReplaced}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Event: proto.OutboundError, Error: &proto.Error{Code: "unknown", Message: "unknown error"}}
		}
		return proto.Outbound{
			Event: proto.OutboundError,
			Error: &proto.Error{Code: event.Error.Code, Message: event.Error.Message},
		}
	default:
		return proto.Outbound{Event: proto.OutboundError, Error: &proto.Error{Code: "unknown", Message: "unknown event"}}
	}
}

func userPayload(user *store.User) proto.UserPayload {
	return proto.UserPayload{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		IsOnline: user.IsOnline,
		LastSeen: user.LastSeen.UnixMilli(),
	}
}

func messagePayload(msg *store.Message) proto.MessagePayload {
	var senderID *string
	if msg.SenderID != "" {
		senderID = &msg.SenderID
	}
	return proto.MessagePayload{
		ID:           msg.ID,
		SenderID:     senderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp.UnixMilli(),
		RoomID:       msg.RoomID,
		Reactions:    reactionPayloads(msg.Reactions),
		IsRead:       msg.IsRead,
		IsSystem:     msg.IsSystem,
	}
}

func reactionPayloads(reactions []store.Reaction) []proto.ReactionPayload {
	payloads := make([]proto.ReactionPayload, 0, len(reactions))
	for _, r := range reactions {
		payloads = append(payloads, proto.ReactionPayload{UserID: r.UserID, Emoji: r.Emoji})
	}
	return payloads
}

func roomPayload(room *store.Room) proto.RoomPayload {
	participants := room.Participants
	if participants == nil {
		participants = []string{}
	}
	return proto.RoomPayload{
		ID:           room.ID,
		Name:         room.Name,
		Participants: participants,
		IsPrivate:    room.IsPrivate,
		CreatedBy:    room.CreatedBy,
	}
}
